package domain

import (
	"context"
	"time"
)

// BrokerClient defines broker-agnostic account and trading operations.
// This interface abstracts away broker-specific implementations; the
// execution gate is the only PlaceOrder caller.
type BrokerClient interface {
	// Account operations
	GetBalance(ctx context.Context) (*BrokerBalance, error)
	GetPositions(ctx context.Context) ([]Position, error)

	// Trading operations
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// BrokerBalance is the account's cash and total value
type BrokerBalance struct {
	Cash           float64 `json:"cash"`
	PortfolioValue float64 `json:"portfolio_value"`
}

// OrderRequest is one notional (dollar-amount) order instruction
type OrderRequest struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"` // buy or sell
	Notional float64 `json:"notional"`
}

// OrderResult is the broker's acknowledgement of a submitted order
type OrderResult struct {
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// MarketDataProvider defines point-in-time market data access. Every read
// takes an explicit ceiling so replay and counterfactual evaluation can
// never observe data from the future.
type MarketDataProvider interface {
	// GetQuoteAsOf returns the latest bar at or before asOf.
	GetQuoteAsOf(ctx context.Context, symbol string, asOf time.Time) (*Bar, error)

	// GetHistory returns daily bars within [from, to], inclusive.
	GetHistory(ctx context.Context, symbol string, from, to time.Time) ([]Bar, error)
}

// MemoryStore defines the model-visible memory operations
type MemoryStore interface {
	List(ctx context.Context, category MemoryCategory, limit int) ([]MemoryEntry, error)
	Write(ctx context.Context, category MemoryCategory, content string) (*MemoryEntry, error)

	// ContextSlice returns the bounded memory slice embedded in harnesses:
	// last 3 summaries, last reflection, all experiences, capped at 20
	// entries total (oldest experiences dropped first).
	ContextSlice(ctx context.Context) (*MemoryContext, error)
}
