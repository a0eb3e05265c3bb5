// Package ledger reserves and returns credits for paid generation work.
// Balances are only ever changed here, and every change is paired with one
// append-only transaction row.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/bobarin/longform/internal/logging"
	"github.com/bobarin/longform/internal/models"
	"github.com/bobarin/longform/internal/store"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidAmount       = errors.New("credit amount must be positive")
)

// Result reports the outcome of a balance change and the balance after it.
type Result struct {
	Success   bool `json:"success"`
	Remaining int  `json:"remaining"`
}

type Pricing struct {
	CreditsPerSegment int
	UpscaleSurcharge  int
}

type Ledger struct {
	store   store.CreditStore
	pricing Pricing
	log     zerolog.Logger
}

func New(s store.CreditStore, pricing Pricing, log zerolog.Logger) *Ledger {
	return &Ledger{
		store:   s,
		pricing: pricing,
		log:     logging.Component(log, "ledger"),
	}
}

// Cost is what a job with the given number of segments is charged up front.
func (l *Ledger) Cost(segments int, upscale bool) int {
	cost := segments * l.pricing.CreditsPerSegment
	if upscale {
		cost += l.pricing.UpscaleSurcharge
	}
	return cost
}

// Consume debits amount if and only if the balance covers it. When it does
// not, nothing is written and the error wraps ErrInsufficientCredits.
func (l *Ledger) Consume(ctx context.Context, userID string, amount int, resourceID, description string) (Result, error) {
	if amount <= 0 {
		return Result{}, ErrInvalidAmount
	}

	tx := &models.CreditTransaction{
		Type:         models.TransactionConsumption,
		ResourceID:   resourceID,
		ResourceType: "job",
		Description:  description,
	}
	remaining, ok, err := l.store.Debit(ctx, userID, amount, tx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to consume credits: %w", err)
	}
	if !ok {
		l.log.Info().Str("user_id", userID).Int("requested", amount).Int("remaining", remaining).Msg("insufficient credits")
		return Result{Success: false, Remaining: remaining},
			fmt.Errorf("%w: need %d, have %d", ErrInsufficientCredits, amount, remaining)
	}

	l.log.Info().Str("user_id", userID).Int("amount", amount).Int("remaining", remaining).Str("resource_id", resourceID).Msg("credits consumed")
	return Result{Success: true, Remaining: remaining}, nil
}

// Refund returns credits for a resource. The idempotency key is derived from
// the resource, so retrying a refund never credits twice: the repeat reports
// Success=false with the current balance.
func (l *Ledger) Refund(ctx context.Context, userID string, amount int, resourceID, reason, resourceType string) (Result, error) {
	if amount <= 0 {
		return Result{}, ErrInvalidAmount
	}

	key := RefundKey(resourceID)
	tx := &models.CreditTransaction{
		Type:           models.TransactionRefund,
		ResourceID:     resourceID,
		ResourceType:   resourceType,
		Description:    reason,
		IdempotencyKey: &key,
	}
	remaining, applied, err := l.store.Credit(ctx, userID, amount, tx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to refund credits: %w", err)
	}
	if !applied {
		l.log.Warn().Str("user_id", userID).Str("resource_id", resourceID).Msg("refund already applied")
		return Result{Success: false, Remaining: remaining}, nil
	}

	l.log.Info().Str("user_id", userID).Int("amount", amount).Int("remaining", remaining).Str("reason", reason).Msg("credits refunded")
	return Result{Success: true, Remaining: remaining}, nil
}

// Grant adds an allocation or bonus, growing both remaining and total.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int, typ models.TransactionType, description string) (Result, error) {
	if amount <= 0 {
		return Result{}, ErrInvalidAmount
	}
	if typ != models.TransactionAllocation && typ != models.TransactionBonus {
		return Result{}, fmt.Errorf("cannot grant credits of type %q", typ)
	}

	tx := &models.CreditTransaction{
		Type:         typ,
		ResourceType: "grant",
		Description:  description,
	}
	remaining, _, err := l.store.Credit(ctx, userID, amount, tx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to grant credits: %w", err)
	}
	return Result{Success: true, Remaining: remaining}, nil
}

// Balance returns the user's balance; users with no ledger history have zero.
func (l *Ledger) Balance(ctx context.Context, userID string) (*models.CreditBalance, error) {
	bal, err := l.store.GetBalance(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return &models.CreditBalance{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return bal, nil
}

func (l *Ledger) Transactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	return l.store.ListTransactions(ctx, userID, limit)
}

func RefundKey(resourceID string) string {
	return "refund:" + resourceID
}
