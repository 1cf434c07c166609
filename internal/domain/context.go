package domain

// Role of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a conversation.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"content"`
}

// Context is an ordered conversation. The zero value is an empty, valid
// conversation.
type Context struct {
	Turns []Turn `json:"messages"`
}

func NewContext(turns ...Turn) Context {
	return Context{Turns: append([]Turn(nil), turns...)}
}

func (c Context) Len() int { return len(c.Turns) }

func (c Context) Empty() bool { return len(c.Turns) == 0 }

// Clone returns a copy that does not share the turn slice.
func (c Context) Clone() Context {
	return Context{Turns: append([]Turn(nil), c.Turns...)}
}

// With returns a copy with t appended.
func (c Context) With(t Turn) Context {
	out := make([]Turn, 0, len(c.Turns)+1)
	out = append(out, c.Turns...)
	return Context{Turns: append(out, t)}
}

// Last returns the final turn, if any.
func (c Context) Last() (Turn, bool) {
	if len(c.Turns) == 0 {
		return Turn{}, false
	}
	return c.Turns[len(c.Turns)-1], true
}

// LastUserText returns the text of the most recent user turn.
func (c Context) LastUserText() string {
	for i := len(c.Turns) - 1; i >= 0; i-- {
		if c.Turns[i].Role == RoleUser {
			return c.Turns[i].Text
		}
	}
	return ""
}

// Equal reports whether both conversations hold the same turns.
func (c Context) Equal(o Context) bool {
	if len(c.Turns) != len(o.Turns) {
		return false
	}
	for i := range c.Turns {
		if c.Turns[i] != o.Turns[i] {
			return false
		}
	}
	return true
}

// ContextChange is a stored conversation before and after one append.
type ContextChange struct {
	Before Context
	After  Context
	Turn   Turn
}
