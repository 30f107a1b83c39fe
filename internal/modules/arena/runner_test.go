package arena

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/arena/internal/clients/llm"
	"github.com/aristath/arena/internal/domain"
)

// scriptedBackend replays a scripted response per call number.
type scriptedBackend struct {
	mu     sync.Mutex
	calls  int
	last   llm.ChatRequest
	script func(call int, req llm.ChatRequest) (*llm.ChatResponse, error)
}

func (b *scriptedBackend) ChatCompletion(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	b.mu.Lock()
	b.calls++
	call := b.calls
	b.last = req
	b.mu.Unlock()
	return b.script(call, req)
}

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *scriptedBackend) lastRequest() llm.ChatRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

func textResponse(content string) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{
		Choices: []llm.Choice{{Message: llm.Message{Role: "assistant", Content: content}}},
		Usage:   llm.Usage{PromptTokens: 100, CompletionTokens: 50},
	}, nil
}

func toolCallResponse(id, name, arguments string) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{
		Choices: []llm.Choice{{Message: llm.Message{
			Role: "assistant",
			ToolCalls: []llm.ToolCall{{
				ID:       id,
				Type:     "function",
				Function: llm.FunctionCall{Name: name, Arguments: arguments},
			}},
		}}},
		Usage: llm.Usage{PromptTokens: 100, CompletionTokens: 20},
	}, nil
}

type fakeMarket struct{}

func (fakeMarket) GetQuoteAsOf(ctx context.Context, symbol string, asOf time.Time) (*domain.Bar, error) {
	return &domain.Bar{Date: "2026-08-13", Close: 420.50}, nil
}

func (fakeMarket) GetHistory(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
	return []domain.Bar{
		{Date: "2026-08-12", Close: 418.00},
		{Date: "2026-08-13", Close: 420.50},
	}, nil
}

type fakeMemory struct {
	mu      sync.Mutex
	entries []domain.MemoryEntry
}

func (f *fakeMemory) List(ctx context.Context, category domain.MemoryCategory, limit int) ([]domain.MemoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.MemoryEntry(nil), f.entries...), nil
}

func (f *fakeMemory) Write(ctx context.Context, category domain.MemoryCategory, content string) (*domain.MemoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry := domain.MemoryEntry{ID: fmt.Sprintf("m-%d", len(f.entries)+1), Category: category, Content: content}
	f.entries = append(f.entries, entry)
	return &entry, nil
}

func (f *fakeMemory) ContextSlice(ctx context.Context) (*domain.MemoryContext, error) {
	return &domain.MemoryContext{}, nil
}

func testHarness(held ...string) *domain.Harness {
	positions := make([]domain.Position, 0, len(held))
	for _, s := range held {
		positions = append(positions, domain.Position{Symbol: s, Quantity: 5, AvgEntryPrice: 100, MarketValue: 550})
	}
	return &domain.Harness{
		ID:          "h-test",
		CreatedAt:   time.Date(2026, 8, 14, 9, 0, 0, 0, time.UTC),
		HarnessType: domain.HarnessMonthlyDCA,
		MarketSnapshot: map[string]domain.SymbolSnapshot{
			"VOO": {Date: "2026-08-13", Close: 420.50},
			"QQQ": {Date: "2026-08-13", Close: 512.10},
		},
		AccountState: domain.AccountState{Cash: 1500, TotalValue: 10500, Positions: positions},
		Budget:       1000,
	}
}

func newRunner(backend ChatBackend) *Runner {
	factory := func(spec ModelSpec) ChatBackend { return backend }
	deps := ToolDeps{Market: fakeMarket{}, Memory: &fakeMemory{}}
	return NewRunner(factory, deps, 150*time.Millisecond, 8, 3, 1, zerolog.Nop())
}

func testSpec(name string) ModelSpec {
	return ModelSpec{
		Name:            name,
		Model:           name + "-1",
		BaseURL:         "http://test.invalid/v1",
		APIKeyEnv:       "TEST_KEY",
		InputCostPer1M:  2.0,
		OutputCostPer1M: 10.0,
	}
}

func TestRunnerHappyPath(t *testing.T) {
	backend := &scriptedBackend{script: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return textResponse(validJSON)
	}}
	runner := newRunner(backend)

	io := runner.Run(context.Background(), testHarness("VOO"), testSpec("fast"), "system prompt", false)

	assert.Equal(t, domain.ModelStatusOK, io.Status)
	assert.Equal(t, domain.ParseStructured, io.ParseStatus)
	require.NotNil(t, io.StructuredOutput)
	assert.Equal(t, "fast", io.ModelName)
	assert.Equal(t, int64(100), io.InputTokens)
	assert.Equal(t, int64(50), io.OutputTokens)
	assert.InDelta(t, 100.0/1e6*2.0+50.0/1e6*10.0, io.CostEstimate, 1e-12)
	assert.False(t, io.IsReplay)
}

func TestRunnerToolLoop(t *testing.T) {
	backend := &scriptedBackend{script: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		if call == 1 {
			return toolCallResponse("tc-1", "get_quote", `{"symbol":"VOO"}`)
		}
		// The tool result must have come back as a tool message
		lastMsg := req.Messages[len(req.Messages)-1]
		if lastMsg.Role != "tool" || lastMsg.ToolCallID != "tc-1" {
			return textResponse(`{"action":"SKIP","allocations":[],"confidence":0,"reasoning":"no tool result"}`)
		}
		if !strings.Contains(lastMsg.Content, "420.5") {
			return textResponse(`{"action":"SKIP","allocations":[],"confidence":0,"reasoning":"wrong tool result"}`)
		}
		return textResponse(validJSON)
	}}
	runner := newRunner(backend)

	io := runner.Run(context.Background(), testHarness("VOO"), testSpec("fast"), "system prompt", false)

	assert.Equal(t, domain.ModelStatusOK, io.Status)
	require.NotNil(t, io.StructuredOutput)
	assert.Equal(t, domain.ActionAllocate, io.StructuredOutput.Action)
	assert.Equal(t, 2, backend.callCount())
	// Tokens accumulate across rounds
	assert.Equal(t, int64(200), io.InputTokens)
}

func TestRunnerTimeout(t *testing.T) {
	backend := &scriptedBackend{script: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, fmt.Errorf("request aborted: %w", context.DeadlineExceeded)
	}}
	runner := newRunner(backend)

	io := runner.Run(context.Background(), testHarness("VOO"), testSpec("slow"), "system prompt", false)

	assert.Equal(t, domain.ModelStatusTimeout, io.Status)
	assert.Equal(t, domain.ParseNone, io.ParseStatus)
	assert.Nil(t, io.StructuredOutput)
	assert.Contains(t, io.ErrorMessage, "timed out")
}

func TestRunnerBlockedCallHitsDeadline(t *testing.T) {
	backend := &scriptedBackend{script: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		<-time.After(5 * time.Second)
		return textResponse(validJSON)
	}}
	// Wrap so the backend honors context cancellation like a real HTTP client
	ctxAware := &ctxAwareBackend{inner: backend}
	runner := newRunner(ctxAware)

	start := time.Now()
	io := runner.Run(context.Background(), testHarness("VOO"), testSpec("slow"), "system prompt", false)

	assert.Equal(t, domain.ModelStatusTimeout, io.Status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

type ctxAwareBackend struct {
	inner ChatBackend
}

func (b *ctxAwareBackend) ChatCompletion(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	done := make(chan struct{})
	var res *llm.ChatResponse
	var err error
	go func() {
		res, err = b.inner.ChatCompletion(ctx, req)
		close(done)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("request aborted: %w", ctx.Err())
	case <-done:
		return res, err
	}
}

func TestRunnerTransportError(t *testing.T) {
	backend := &scriptedBackend{script: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, llm.NewHTTPError(429, "rate limited", nil)
	}}
	runner := newRunner(backend)

	io := runner.Run(context.Background(), testHarness("VOO"), testSpec("fast"), "system prompt", false)

	assert.Equal(t, domain.ModelStatusError, io.Status)
	assert.Nil(t, io.StructuredOutput)
	assert.Contains(t, io.ErrorMessage, "429")
}

func TestRunnerPositionLimitRevision(t *testing.T) {
	violating := `{"action":"ALLOCATE","allocations":[{"symbol":"VGT","amount":500}],"confidence":0.8,"reasoning":"tech tilt"}`
	compliant := `{"action":"ALLOCATE","allocations":[{"symbol":"VOO","amount":500}],"confidence":0.8,"reasoning":"staying within held set"}`

	backend := &scriptedBackend{script: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		if call == 1 {
			return textResponse(violating)
		}
		return textResponse(compliant)
	}}
	runner := newRunner(backend)

	// Three symbols held, a fourth would break the limit
	io := runner.Run(context.Background(), testHarness("VOO", "QQQ", "ACWI"), testSpec("fast"), "system prompt", false)

	assert.Equal(t, domain.ModelStatusOK, io.Status)
	require.NotNil(t, io.StructuredOutput)
	assert.Equal(t, "VOO", io.StructuredOutput.Allocations[0].Symbol)
	assert.Equal(t, 2, backend.callCount())

	// The revision instruction went back to the model
	last := backend.lastRequest()
	revision := last.Messages[len(last.Messages)-1]
	assert.Equal(t, "user", revision.Role)
	assert.Contains(t, revision.Content, "distinct symbols")
}

func TestRunnerPositionLimitExhaustsRetries(t *testing.T) {
	violating := `{"action":"ALLOCATE","allocations":[{"symbol":"VGT","amount":500}],"confidence":0.8,"reasoning":"tech tilt"}`

	backend := &scriptedBackend{script: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return textResponse(violating)
	}}
	runner := newRunner(backend)

	io := runner.Run(context.Background(), testHarness("VOO", "QQQ", "ACWI"), testSpec("fast"), "system prompt", false)

	assert.Equal(t, domain.ModelStatusInvalidSchema, io.Status)
	assert.Nil(t, io.StructuredOutput)
	assert.Contains(t, io.ErrorMessage, "position limit")
	// Initial answer plus exactly one retry
	assert.Equal(t, 2, backend.callCount())
}

func TestRunnerInvalidOutput(t *testing.T) {
	backend := &scriptedBackend{script: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return textResponse("Buy low, sell high. That is my advice.")
	}}
	runner := newRunner(backend)

	io := runner.Run(context.Background(), testHarness("VOO"), testSpec("fast"), "system prompt", false)

	assert.Equal(t, domain.ModelStatusInvalidSchema, io.Status)
	assert.Equal(t, domain.ParseRawOnly, io.ParseStatus)
	assert.Equal(t, "Buy low, sell high. That is my advice.", io.RawOutput)
}

func TestRunnerToolRoundLimit(t *testing.T) {
	backend := &scriptedBackend{script: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return toolCallResponse(fmt.Sprintf("tc-%d", call), "get_quote", `{"symbol":"VOO"}`)
	}}
	runner := newRunner(backend)

	io := runner.Run(context.Background(), testHarness("VOO"), testSpec("fast"), "system prompt", false)

	assert.Equal(t, domain.ModelStatusError, io.Status)
	assert.Contains(t, io.ErrorMessage, "tool round limit")
	// 8 tool rounds plus the final exhausted call
	assert.Equal(t, 9, backend.callCount())
}

func TestCheckPositionLimit(t *testing.T) {
	h := testHarness("VOO", "QQQ", "ACWI")

	within := &domain.StructuredOutput{
		Action:      domain.ActionAllocate,
		Allocations: []domain.Allocation{{Symbol: "VOO", Amount: 100}},
	}
	assert.Nil(t, checkPositionLimit(h, within, 3))

	breaking := &domain.StructuredOutput{
		Action:      domain.ActionAllocate,
		Allocations: []domain.Allocation{{Symbol: "VGT", Amount: 100}},
	}
	violation := checkPositionLimit(h, breaking, 3)
	require.NotNil(t, violation)
	assert.Equal(t, 3, violation.MaxPositions)
	assert.Contains(t, violation.Proposed, "VGT")

	// HOLD carries no allocations and never violates
	hold := &domain.StructuredOutput{Action: domain.ActionHold}
	assert.Nil(t, checkPositionLimit(h, hold, 3))
}
