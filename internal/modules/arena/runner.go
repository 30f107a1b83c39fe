package arena

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/arena/internal/clients/llm"
	"github.com/aristath/arena/internal/domain"
	"github.com/aristath/arena/internal/modules/harness"
)

// ChatBackend is the LLM call surface. Production uses llm.Client; tests
// substitute scripted backends.
type ChatBackend interface {
	ChatCompletion(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// BackendFactory builds the chat backend for one roster model.
type BackendFactory func(spec ModelSpec) ChatBackend

// Runner executes one model against one harness and classifies the
// outcome. A runner never returns an error: every failure mode becomes a
// recorded ModelIO row.
type Runner struct {
	backends        BackendFactory
	deps            ToolDeps
	defaultTimeout  time.Duration
	maxToolRounds   int
	maxPositions    int
	revisionRetries int
	log             zerolog.Logger
}

// NewRunner creates a model runner.
func NewRunner(backends BackendFactory, deps ToolDeps, defaultTimeout time.Duration,
	maxToolRounds, maxPositions, revisionRetries int, log zerolog.Logger) *Runner {
	return &Runner{
		backends:        backends,
		deps:            deps,
		defaultTimeout:  defaultTimeout,
		maxToolRounds:   maxToolRounds,
		maxPositions:    maxPositions,
		revisionRetries: revisionRetries,
		log:             log.With().Str("component", "model_runner").Logger(),
	}
}

// Run invokes one model with the serialized harness and the tool loop,
// then classifies the result. The context deadline is this model's wall
// clock budget; hitting it yields a timeout row, not an aborted run.
func (r *Runner) Run(ctx context.Context, h *domain.Harness, spec ModelSpec, systemPrompt string, isReplay bool) domain.ModelIO {
	start := time.Now()

	io := domain.ModelIO{
		ID:        uuid.New().String(),
		HarnessID: h.ID,
		ModelName: spec.Name,
		IsReplay:  isReplay,
		CreatedAt: start.UTC(),
	}

	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout(r.defaultTimeout))
	defer cancel()

	backend := r.backends(spec)
	toolbox := NewToolbox(r.deps, h, r.log)

	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: harness.Serialize(h)},
	}
	tools := toolbox.Definitions()

	var inputTokens, outputTokens int64
	toolRounds := 0
	revisions := 0

	for {
		res, err := backend.ChatCompletion(runCtx, llm.ChatRequest{
			Model:    spec.Model,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			r.classifyCallError(&io, spec, err, runCtx)
			break
		}

		inputTokens += int64(res.Usage.PromptTokens)
		outputTokens += int64(res.Usage.CompletionTokens)
		msg := res.Choices[0].Message

		if len(msg.ToolCalls) > 0 && toolRounds < r.maxToolRounds {
			toolRounds++
			messages = append(messages, msg)
			for _, tc := range msg.ToolCalls {
				result := toolbox.Execute(runCtx, tc.Function.Name, tc.Function.Arguments)
				messages = append(messages, llm.Message{
					Role:       "tool",
					Content:    result,
					ToolCallID: tc.ID,
				})
			}
			continue
		}

		io.RawOutput = msg.Content
		exhausted := len(msg.ToolCalls) > 0

		parse := ParseStructuredOutput(msg.Content, h.Budget)
		io.ParseStatus = parse.ParseStatus

		if parse.Output == nil {
			if exhausted {
				io.Status = domain.ModelStatusError
				io.ErrorMessage = fmt.Sprintf("exceeded tool round limit (%d) without a final answer", r.maxToolRounds)
			} else {
				io.Status = domain.ModelStatusInvalidSchema
				io.ErrorMessage = parse.Reason
			}
			break
		}

		if violation := checkPositionLimit(h, parse.Output, r.maxPositions); violation != nil {
			if revisions < r.revisionRetries && !exhausted {
				revisions++
				r.log.Info().
					Str("model", spec.Name).
					Str("harness_id", h.ID).
					Msg("Allocation violates position limit, requesting revision")
				messages = append(messages, msg, llm.Message{
					Role:    "user",
					Content: violation.RevisionInstruction(),
				})
				continue
			}
			io.Status = domain.ModelStatusInvalidSchema
			io.ErrorMessage = violation.Error()
			break
		}

		io.Status = domain.ModelStatusOK
		io.StructuredOutput = parse.Output
		break
	}

	io.LatencyMs = time.Since(start).Milliseconds()
	io.InputTokens = inputTokens
	io.OutputTokens = outputTokens
	io.CostEstimate = spec.EstimateCost(inputTokens, outputTokens)

	r.log.Info().
		Str("model", spec.Name).
		Str("harness_id", h.ID).
		Str("status", string(io.Status)).
		Str("parse_status", string(io.ParseStatus)).
		Int64("latency_ms", io.LatencyMs).
		Int("tool_rounds", toolRounds).
		Msg("Model run finished")

	return io
}

// classifyCallError fills the row for a failed backend call, separating
// a blown deadline from transport and upstream failures.
func (r *Runner) classifyCallError(io *domain.ModelIO, spec ModelSpec, err error, runCtx context.Context) {
	io.ParseStatus = domain.ParseNone

	if errors.Is(err, context.DeadlineExceeded) || runCtx.Err() == context.DeadlineExceeded {
		timeout := spec.Timeout(r.defaultTimeout)
		io.Status = domain.ModelStatusTimeout
		io.ErrorMessage = (&domain.ModelTimeoutError{ModelName: spec.Name, Timeout: timeout}).Error()
		return
	}

	io.Status = domain.ModelStatusError
	io.ErrorMessage = err.Error()
}

// checkPositionLimit re-derives the held set from the harness snapshot and
// rejects allocations that would push distinct holdings past the limit.
// The snapshot is the sole source; there is no cached position counter.
func checkPositionLimit(h *domain.Harness, so *domain.StructuredOutput, maxPositions int) *domain.PositionLimitViolation {
	if len(so.Allocations) == 0 {
		return nil
	}

	held := h.AccountState.HeldSymbols()
	distinct := make(map[string]bool, len(held))
	for _, s := range held {
		distinct[strings.ToUpper(s)] = true
	}

	proposed := so.Symbols()
	for _, s := range proposed {
		distinct[s] = true
	}

	if len(distinct) > maxPositions {
		return &domain.PositionLimitViolation{
			MaxPositions: maxPositions,
			Held:         held,
			Proposed:     proposed,
		}
	}
	return nil
}
