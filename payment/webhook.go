/*
Package payment maps payment-provider webhook events onto the ledger.

PURPOSE:
  Each provider event becomes exactly one Engine.Apply call carrying the
  provider's event ID as the idempotency key. Providers retry webhooks; the
  ledger's unique index on external_event_id guarantees at-most-once
  application, and a duplicate delivery returns the ORIGINAL result rather
  than an error.

  No provider SDK semantics live here - only the idempotency contract.
*/
package payment

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/chatforge/tokenledger/ledger"
)

// Metadata keys stamped on webhook-originated transactions.
const (
	metaAmount   = "amount"
	metaCurrency = "currency"
)

// Processor applies payment-provider events to the ledger.
type Processor struct {
	engine *ledger.Engine

	// Currency tags purchase metadata. Informational only.
	Currency string
	Log      *logrus.Logger
}

func NewProcessor(engine *ledger.Engine) *Processor {
	return &Processor{
		engine:   engine,
		Currency: "USD",
		Log:      logrus.StandardLogger(),
	}
}

// OnPaymentSucceeded credits purchased tokens. Purchased tokens are permanent:
// no expiration horizon. amount is the money paid, recorded for audit.
func (p *Processor) OnPaymentSucceeded(ctx context.Context, eventID string, userID ledger.UserID, tokens int64, amount decimal.Decimal) (*ledger.TransactionResult, error) {
	if eventID == "" {
		return nil, fmt.Errorf("payment succeeded for %s: missing event id: %w", userID, ledger.ErrInvalidAmount)
	}
	if tokens <= 0 {
		return nil, fmt.Errorf("payment succeeded %s: %d tokens: %w", eventID, tokens, ledger.ErrInvalidAmount)
	}
	if amount.IsNegative() {
		return nil, fmt.Errorf("payment succeeded %s: amount %s: %w", eventID, amount, ledger.ErrInvalidAmount)
	}

	res, err := p.engine.Apply(ctx, ledger.ApplyInput{
		UserID:          userID,
		Delta:           tokens,
		Reason:          ledger.ReasonPurchase,
		ExternalEventID: eventID,
		Metadata: map[string]string{
			metaAmount:   amount.String(),
			metaCurrency: p.Currency,
		},
	})
	if err != nil {
		return nil, err
	}

	p.log().WithFields(logrus.Fields{
		"event":    eventID,
		"user":     userID,
		"tokens":   tokens,
		"amount":   amount.String(),
		"replayed": res.Replayed,
	}).Info("payment credited")
	return res, nil
}

// OnRefund debits refunded tokens. A refund exceeding the remaining balance
// fails with InsufficientBalance and is surfaced to the caller; the provider
// decides whether to retry after a partial clawback.
func (p *Processor) OnRefund(ctx context.Context, eventID string, userID ledger.UserID, tokens int64) (*ledger.TransactionResult, error) {
	if eventID == "" {
		return nil, fmt.Errorf("refund for %s: missing event id: %w", userID, ledger.ErrInvalidAmount)
	}
	if tokens <= 0 {
		return nil, fmt.Errorf("refund %s: %d tokens: %w", eventID, tokens, ledger.ErrInvalidAmount)
	}

	res, err := p.engine.Apply(ctx, ledger.ApplyInput{
		UserID:          userID,
		Delta:           -tokens,
		Reason:          ledger.ReasonRefund,
		ExternalEventID: eventID,
	})
	if err != nil {
		return nil, err
	}

	p.log().WithFields(logrus.Fields{
		"event":    eventID,
		"user":     userID,
		"tokens":   tokens,
		"replayed": res.Replayed,
	}).Info("refund debited")
	return res, nil
}

func (p *Processor) log() *logrus.Logger {
	if p.Log == nil {
		return logrus.StandardLogger()
	}
	return p.Log
}
