package subscription

import (
	"context"

	"github.com/chatforge/tokenledger/ledger"
)

// Store persists subscriptions. Implementations share storage with the ledger
// so allocation bookkeeping and the grant insert commit in one atomic unit.
type Store interface {
	// GetSubscription returns nil when the subscription does not exist.
	GetSubscription(ctx context.Context, id ledger.SubscriptionID) (*Subscription, error)

	// SaveSubscription upserts outside any atomic unit (lifecycle operations).
	SaveSubscription(ctx context.Context, sub *Subscription) error

	// ListSubscriptionsByStatus returns all subscriptions in the given state,
	// for the allocation tick and the grace sweep.
	ListSubscriptionsByStatus(ctx context.Context, status Status) ([]Subscription, error)

	// WithSubscriptionTx executes fn in one atomic unit covering both the
	// ledger tables and the subscription row.
	WithSubscriptionTx(ctx context.Context, fn func(Tx) error) error
}

// Tx extends the ledger's atomic unit with subscription writes.
type Tx interface {
	ledger.Tx

	// SubscriptionForUpdate reads the row held for the rest of the unit.
	// Returns nil when the subscription does not exist.
	SubscriptionForUpdate(ctx context.Context, id ledger.SubscriptionID) (*Subscription, error)

	// SaveSubscription upserts inside the unit.
	SaveSubscription(ctx context.Context, sub *Subscription) error
}
