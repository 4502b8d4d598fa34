package domain

import "context"

// Gateway is one configured bridge to a messaging service account.
type Gateway interface {
	Name() string
	Start(ctx context.Context, bus Bus) error
	Stop() error
}
