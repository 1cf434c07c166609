package domain

import "context"

// Channel is a user-facing inbound adapter. Start blocks until ctx is done.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}
