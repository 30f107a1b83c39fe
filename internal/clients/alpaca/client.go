// Package alpaca wraps the Alpaca trading API behind the domain broker interface.
//
// Orders are submitted as notional market orders (dollar amounts, not share
// counts) so decision allocations map directly onto order legs. The paper
// trading endpoint is the default; pointing BaseURL at the live API is a
// deployment decision, not a code change.
package alpaca

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/arena/internal/domain"
)

// Client implements domain.BrokerClient on top of the official Alpaca SDK.
type Client struct {
	api *alpaca.Client
	log zerolog.Logger
}

// NewClient creates an Alpaca broker client.
func NewClient(apiKey, apiSecret, baseURL string, log zerolog.Logger) *Client {
	return &Client{
		api: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		log: log.With().Str("client", "alpaca").Logger(),
	}
}

// GetBalance returns current cash and total portfolio value.
func (c *Client) GetBalance(ctx context.Context) (*domain.BrokerBalance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	account, err := c.api.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	cash, _ := account.Cash.Float64()
	portfolioValue, _ := account.PortfolioValue.Float64()

	return &domain.BrokerBalance{
		Cash:           cash,
		PortfolioValue: portfolioValue,
	}, nil
}

// GetPositions returns all open positions.
func (c *Client) GetPositions(ctx context.Context) ([]domain.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	positions, err := c.api.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}

	result := make([]domain.Position, 0, len(positions))
	for _, pos := range positions {
		qty, _ := pos.Qty.Float64()
		avgEntry, _ := pos.AvgEntryPrice.Float64()

		var marketValue float64
		if pos.MarketValue != nil {
			marketValue, _ = pos.MarketValue.Float64()
		}

		result = append(result, domain.Position{
			Symbol:        pos.Symbol,
			Quantity:      qty,
			AvgEntryPrice: avgEntry,
			MarketValue:   marketValue,
		})
	}

	return result, nil
}

// PlaceOrder submits a notional market day order for a single symbol.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if req.Notional <= 0 {
		return nil, fmt.Errorf("invalid notional %.2f for %s", req.Notional, req.Symbol)
	}

	side := alpaca.Buy
	if req.Side == "sell" {
		side = alpaca.Sell
	}

	notional := decimal.NewFromFloat(req.Notional).Round(2)

	c.log.Info().
		Str("symbol", req.Symbol).
		Str("side", string(side)).
		Str("notional", notional.StringFixed(2)).
		Msg("Placing order")

	order, err := c.api.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:      req.Symbol,
		Notional:    &notional,
		Side:        side,
		Type:        alpaca.Market,
		TimeInForce: alpaca.Day,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to place order for %s: %w", req.Symbol, err)
	}

	submittedAt := order.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = time.Now().UTC()
	}

	return &domain.OrderResult{
		OrderID:     order.ID,
		Symbol:      order.Symbol,
		Status:      string(order.Status),
		SubmittedAt: submittedAt,
	}, nil
}

// CancelOrder cancels an open order by ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := c.api.CancelOrder(orderID); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}

	c.log.Info().Str("order_id", orderID).Msg("Order cancelled")
	return nil
}
