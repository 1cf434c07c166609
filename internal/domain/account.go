package domain

const (
	DefaultDailyAllowance   = 10
	DefaultPremiumAllowance = 0
)

// Account holds the two quota buckets of an identity.
type Account struct {
	Daily   int `json:"daily"`
	Premium int `json:"premium"`
}

func NewAccount() Account {
	return Account{Daily: DefaultDailyAllowance, Premium: DefaultPremiumAllowance}
}

// Allowed reports whether either bucket still has requests left.
func (a Account) Allowed() bool {
	return a.Daily > 0 || a.Premium > 0
}
