package alpaca

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/arena/internal/domain"
	"github.com/aristath/arena/internal/events"
)

const (
	// WebSocket connection constants
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	// Reconnection constants
	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10

	// Cache staleness threshold
	quoteStaleThreshold = 5 * time.Minute
)

// QuoteStream maintains a live feed of trade prices from the Alpaca market
// data WebSocket. Latest prices are cached per symbol and re-published on the
// event bus so the dashboard stream can pick them up without polling.
type QuoteStream struct {
	// Connection
	url        string
	apiKey     string
	apiSecret  string
	httpClient *http.Client // Reusable HTTP client configured for HTTP/1.1
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	mu         sync.RWMutex

	// Dependencies
	eventBus *events.Bus
	log      zerolog.Logger

	// State
	symbols      []string
	connected    bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool

	// Cache (thread-safe)
	quoteCache map[string]domain.Quote
	lastUpdate time.Time
	cacheMu    sync.RWMutex
}

// streamMessage is a single element of the JSON arrays Alpaca sends.
// The "T" field discriminates the message type: "t" trade, "b" bar,
// "success"/"subscription"/"error" are control messages.
type streamMessage struct {
	Type    string  `json:"T"`
	Msg     string  `json:"msg,omitempty"`
	Code    int     `json:"code,omitempty"`
	Symbol  string  `json:"S,omitempty"`
	Price   float64 `json:"p,omitempty"`
	Close   float64 `json:"c,omitempty"`
	RawTime string  `json:"t,omitempty"`
}

// createHTTP1Client creates an HTTP client that forces HTTP/1.1.
// The upgrade handshake requires HTTP/1.1, and the data endpoint's edge
// negotiates HTTP/2 via TLS ALPN unless we restrict the advertised protocols.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// NewQuoteStream creates a live quote stream for the given symbols.
func NewQuoteStream(url, apiKey, apiSecret string, symbols []string, eventBus *events.Bus, log zerolog.Logger) *QuoteStream {
	return &QuoteStream{
		url:        url,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		httpClient: createHTTP1Client(),
		eventBus:   eventBus,
		log:        log.With().Str("component", "quote_stream").Logger(),
		symbols:    append([]string(nil), symbols...),
		quoteCache: make(map[string]domain.Quote),
		stopChan:   make(chan struct{}),
	}
}

// Start initializes the WebSocket connection and starts the read loop
func (qs *QuoteStream) Start() error {
	qs.log.Info().Strs("symbols", qs.symbols).Msg("Starting quote stream")

	if err := qs.Connect(); err != nil {
		qs.log.Warn().Err(err).Msg("Initial WebSocket connection failed, will retry in background")
		go qs.reconnectLoop()
		return err
	}

	qs.mu.RLock()
	ctx := qs.connCtx
	qs.mu.RUnlock()
	go qs.readMessages(ctx)

	qs.log.Info().Msg("Quote stream started successfully")
	return nil
}

// Stop gracefully shuts down the WebSocket connection
func (qs *QuoteStream) Stop() error {
	qs.mu.Lock()
	if qs.stopped {
		qs.mu.Unlock()
		return nil
	}
	qs.stopped = true
	qs.mu.Unlock()

	qs.log.Info().Msg("Stopping quote stream")

	close(qs.stopChan)

	return qs.Disconnect()
}

// Connect establishes the WebSocket connection, authenticates, and subscribes
// to trade and bar channels for the tracked symbols.
func (qs *QuoteStream) Connect() error {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	qs.log.Info().Str("url", qs.url).Msg("Connecting to Alpaca data WebSocket")

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, qs.url, &websocket.DialOptions{
		HTTPClient: qs.httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to dial WebSocket: %w", err)
	}

	// Long-lived context for the connection, cancelled on disconnect
	connCtx, connCancel := context.WithCancel(context.Background())
	qs.conn = conn
	qs.connCtx = connCtx
	qs.cancelFunc = connCancel
	qs.connected = true

	if err := qs.authenticate(connCtx); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "auth failed")
		qs.conn = nil
		qs.connCtx = nil
		qs.cancelFunc = nil
		qs.connected = false
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	if err := qs.subscribe(connCtx, qs.symbols); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		qs.conn = nil
		qs.connCtx = nil
		qs.cancelFunc = nil
		qs.connected = false
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	qs.log.Info().Msg("Successfully connected to Alpaca data WebSocket")
	return nil
}

// Disconnect closes the WebSocket connection
func (qs *QuoteStream) Disconnect() error {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	if qs.conn == nil {
		return nil
	}

	qs.log.Info().Msg("Disconnecting from Alpaca data WebSocket")

	if qs.cancelFunc != nil {
		qs.cancelFunc()
		qs.cancelFunc = nil
	}

	err := qs.conn.Close(websocket.StatusNormalClosure, "")

	qs.conn = nil
	qs.connCtx = nil
	qs.connected = false

	if err != nil {
		return fmt.Errorf("error closing WebSocket: %w", err)
	}

	return nil
}

// authenticate sends the auth action. A rejected key surfaces as an "error"
// control message followed by a server close, which the read loop treats as
// any other disconnect.
func (qs *QuoteStream) authenticate(ctx context.Context) error {
	authMsg := map[string]string{
		"action": "auth",
		"key":    qs.apiKey,
		"secret": qs.apiSecret,
	}

	return qs.writeJSON(ctx, authMsg)
}

// subscribe sends the subscription action for trades and daily bars.
func (qs *QuoteStream) subscribe(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		qs.log.Warn().Msg("No symbols to subscribe to")
		return nil
	}

	subscribeMsg := map[string]interface{}{
		"action": "subscribe",
		"trades": symbols,
		"bars":   symbols,
	}

	qs.log.Info().Strs("symbols", symbols).Msg("Subscribing to trade and bar channels")

	return qs.writeJSON(ctx, subscribeMsg)
}

func (qs *QuoteStream) writeJSON(ctx context.Context, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	if err := qs.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	return nil
}

// UpdateSymbols replaces the tracked symbol set and re-subscribes if connected.
// Called when the watchlist changes.
func (qs *QuoteStream) UpdateSymbols(symbols []string) error {
	qs.mu.Lock()
	old := qs.symbols
	qs.symbols = append([]string(nil), symbols...)
	conn := qs.conn
	ctx := qs.connCtx
	qs.mu.Unlock()

	if conn == nil {
		return nil
	}

	if len(old) > 0 {
		unsubMsg := map[string]interface{}{
			"action": "unsubscribe",
			"trades": old,
			"bars":   old,
		}
		if err := qs.writeJSON(ctx, unsubMsg); err != nil {
			return fmt.Errorf("failed to unsubscribe old symbols: %w", err)
		}
	}

	return qs.subscribe(ctx, symbols)
}

// readMessages continuously reads messages from the WebSocket
func (qs *QuoteStream) readMessages(ctx context.Context) {
	defer func() {
		qs.log.Info().Msg("Read loop stopped")
		qs.mu.RLock()
		stopped := qs.stopped
		qs.mu.RUnlock()
		if !stopped {
			go qs.reconnectLoop()
		}
	}()

	for {
		select {
		case <-qs.stopChan:
			return
		case <-ctx.Done():
			qs.log.Debug().Msg("Read loop context cancelled")
			return
		default:
		}

		qs.mu.RLock()
		conn := qs.conn
		qs.mu.RUnlock()

		if conn == nil {
			qs.log.Warn().Msg("Connection is nil, stopping read loop")
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				qs.log.Info().Int("status", int(closeStatus)).Msg("WebSocket closed normally")
			} else if ctx.Err() != nil {
				qs.log.Debug().Msg("Read cancelled by context")
			} else {
				qs.log.Error().Err(err).Msg("Unexpected WebSocket read error")
			}
			return
		}

		if msgType != websocket.MessageText {
			qs.log.Debug().Int("type", int(msgType)).Msg("Ignoring non-text message")
			continue
		}

		if err := qs.handleMessage(message); err != nil {
			qs.log.Error().Err(err).Str("message", string(message)).Msg("Failed to handle WebSocket message")
			// Continue reading despite parse errors
		}
	}
}

// handleMessage parses a message batch and dispatches each element.
func (qs *QuoteStream) handleMessage(message []byte) error {
	// Alpaca sends arrays of messages, each tagged with "T"
	var batch []streamMessage
	if err := json.Unmarshal(message, &batch); err != nil {
		return fmt.Errorf("failed to parse message array: %w", err)
	}

	for _, msg := range batch {
		switch msg.Type {
		case "t":
			qs.handlePriceUpdate(msg.Symbol, msg.Price)
		case "b":
			qs.handlePriceUpdate(msg.Symbol, msg.Close)
		case "success":
			qs.log.Debug().Str("msg", msg.Msg).Msg("Control message")
		case "subscription":
			qs.log.Debug().Msg("Subscription confirmed")
		case "error":
			qs.log.Error().Int("code", msg.Code).Str("msg", msg.Msg).Msg("Stream error message")
		default:
			qs.log.Debug().Str("type", msg.Type).Msg("Ignoring unhandled message type")
		}
	}

	return nil
}

// handlePriceUpdate caches the latest price for a symbol and emits an event.
func (qs *QuoteStream) handlePriceUpdate(symbol string, price float64) {
	if symbol == "" || price <= 0 {
		return
	}

	quote := domain.Quote{
		Symbol:    symbol,
		Price:     price,
		FetchedAt: time.Now().UTC(),
		Source:    "alpaca_stream",
	}

	qs.cacheMu.Lock()
	prev, hadPrev := qs.quoteCache[symbol]
	if hadPrev && prev.Price > 0 {
		quote.ChangePct = (price - prev.Price) / prev.Price * 100
	}
	qs.quoteCache[symbol] = quote
	qs.lastUpdate = time.Now()
	qs.cacheMu.Unlock()

	if qs.eventBus != nil {
		qs.eventBus.Publish(&events.Event{
			Type:      events.MarketQuote,
			Timestamp: time.Now(),
			Module:    "quote_stream",
			Data: map[string]interface{}{
				"symbol": symbol,
				"price":  price,
			},
		})
	}
}

// reconnectLoop handles automatic reconnection with exponential backoff
func (qs *QuoteStream) reconnectLoop() {
	qs.mu.Lock()
	if qs.reconnecting || qs.stopped {
		qs.mu.Unlock()
		return
	}
	qs.reconnecting = true
	qs.mu.Unlock()

	defer func() {
		qs.mu.Lock()
		qs.reconnecting = false
		qs.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-qs.stopChan:
			qs.log.Info().Msg("Reconnection loop stopped by user")
			return
		default:
		}

		qs.mu.RLock()
		stopped := qs.stopped
		qs.mu.RUnlock()
		if stopped {
			return
		}

		attempt++

		delay := qs.calculateBackoff(attempt)

		if attempt <= maxReconnectAttempts {
			qs.log.Info().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Attempting to reconnect to WebSocket")
		} else {
			qs.log.Warn().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Reconnection attempt (exceeded max attempts, will keep retrying)")
		}

		select {
		case <-time.After(delay):
		case <-qs.stopChan:
			return
		}

		if err := qs.Connect(); err != nil {
			qs.log.Error().Err(err).
				Int("attempt", attempt).
				Msg("Reconnection failed")
			continue
		}

		qs.log.Info().
			Int("attempt", attempt).
			Msg("Successfully reconnected to WebSocket")

		attempt = 0

		qs.mu.RLock()
		ctx := qs.connCtx
		qs.mu.RUnlock()
		go qs.readMessages(ctx)
		return
	}
}

// calculateBackoff calculates exponential backoff delay
func (qs *QuoteStream) calculateBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))

	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}

	return time.Duration(delay)
}

// GetQuote returns the cached live quote for a symbol (thread-safe).
func (qs *QuoteStream) GetQuote(symbol string) (*domain.Quote, error) {
	qs.cacheMu.RLock()
	defer qs.cacheMu.RUnlock()

	quote, exists := qs.quoteCache[symbol]
	if !exists {
		return nil, fmt.Errorf("no live quote for %s", symbol)
	}

	return &quote, nil
}

// GetAllQuotes returns all cached live quotes (thread-safe).
func (qs *QuoteStream) GetAllQuotes() map[string]domain.Quote {
	qs.cacheMu.RLock()
	defer qs.cacheMu.RUnlock()

	result := make(map[string]domain.Quote, len(qs.quoteCache))
	for k, v := range qs.quoteCache {
		result[k] = v
	}

	return result
}

// IsCacheStale checks if the cache hasn't been updated recently
func (qs *QuoteStream) IsCacheStale() bool {
	qs.cacheMu.RLock()
	defer qs.cacheMu.RUnlock()

	if qs.lastUpdate.IsZero() {
		return true
	}

	return time.Since(qs.lastUpdate) > quoteStaleThreshold
}

// IsConnected returns current connection status
func (qs *QuoteStream) IsConnected() bool {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	return qs.connected
}
