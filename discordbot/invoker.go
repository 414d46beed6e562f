package discordbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// User-facing replies for a failed invocation. Causes are logged only.
const (
	MessageModelSelection  = "Sorry, I encountered an issue selecting an AI model."
	MessageModelsExhausted = "Sorry, I encountered an issue processing your request with all available AI models."
)

var (
	// ErrModelSelection is returned when the roster is empty or the start
	// index is out of range. No model is called.
	ErrModelSelection = errors.New("no model available at start index")

	ErrModelsExhausted = errors.New("all models failed")
	ErrEmptyResponse   = errors.New("model returned an empty response")
	ErrModelPanic      = errors.New("model client panicked")
)

// echoedHeaderMarker ends the fragment header models tend to repeat
// back at the start of their reply
const echoedHeaderMarker = "Message:"

// GenerateRequest is a single call to one model.
type GenerateRequest struct {
	Model             string
	SystemInstruction string
	Prompt            Prompt

	// Search enables the backend's search tool, if it has one
	Search bool
}

// ModelClient is implemented by each generative backend.
type ModelClient interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// OutcomeKind classifies a single model attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeEmpty
	OutcomeTransportError
	OutcomeTimeout
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeEmpty:
		return "empty"
	case OutcomeTransportError:
		return "transport_error"
	case OutcomeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// RequestOutcome is the result of one attempt. Text is set only for
// OutcomeSuccess, and has already had any echoed header stripped.
type RequestOutcome struct {
	Kind OutcomeKind
	Text string
	Err  error
}

type Attempt struct {
	Index    int
	Model    string
	Outcome  RequestOutcome
	Duration time.Duration
}

// Invocation is the result of ModelInvoker.Invoke. Text is always safe to
// show to a user: the model's reply, or one of the fixed failure messages
// when Err is set.
type Invocation struct {
	Text     string
	Model    string
	Attempts []Attempt
	Err      error
}

func (i Invocation) Failures() int {
	n := 0
	for _, a := range i.Attempts {
		if a.Outcome.Kind != OutcomeSuccess {
			n++
		}
	}
	return n
}

// ModelInvoker runs a prompt against a roster of models, one at a time,
// until one returns usable text.
type ModelInvoker struct {
	client         ModelClient
	attemptTimeout time.Duration
	search         bool
	logger         *slog.Logger
	metrics        *Metrics
}

func NewModelInvoker(
	client ModelClient,
	cfg *ModelConfig,
	logger *slog.Logger,
	metrics *Metrics,
) *ModelInvoker {
	if logger == nil {
		logger = slog.Default()
	}
	inv := &ModelInvoker{
		client:         client,
		attemptTimeout: DefaultModelAttemptTimeout,
		logger:         logger,
		metrics:        metrics,
	}
	if cfg != nil {
		inv.search = cfg.Search
		if cfg.AttemptTimeout > 0 {
			inv.attemptTimeout = cfg.AttemptTimeout
		}
	}
	return inv
}

// Invoke tries roster[startIndex], then each following model in order,
// stopping at the first that returns non-empty text. A later attempt
// never starts before the previous one has finished or timed out.
func (m *ModelInvoker) Invoke(
	ctx context.Context,
	prompt Prompt,
	systemInstruction string,
	roster []string,
	startIndex int,
) Invocation {
	logger := loggerFrom(ctx, m.logger)

	if startIndex < 0 || startIndex >= len(roster) {
		logger.ErrorContext(
			ctx,
			"unable to select model",
			"roster_size", len(roster),
			"start_index", startIndex,
		)
		return Invocation{
			Text: MessageModelSelection,
			Err:  ErrModelSelection,
		}
	}

	var inv Invocation
	var lastErr error
	for i := startIndex; i < len(roster); i++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		model := roster[i]
		req := GenerateRequest{
			Model:             model,
			SystemInstruction: systemInstruction,
			Prompt:            prompt,
			Search:            m.search,
		}

		start := time.Now()
		outcome := m.attempt(ctx, req)
		elapsed := time.Since(start)

		inv.Attempts = append(
			inv.Attempts,
			Attempt{Index: i, Model: model, Outcome: outcome, Duration: elapsed},
		)
		m.metrics.ObserveModelAttempt(model, outcome.Kind, elapsed)

		if outcome.Kind == OutcomeSuccess {
			logger.InfoContext(
				ctx,
				"model responded",
				"model", model,
				"index", i,
				"duration", elapsed,
			)
			inv.Text = outcome.Text
			inv.Model = model
			return inv
		}

		lastErr = outcome.Err
		logger.WarnContext(
			ctx,
			"model attempt failed",
			"model", model,
			"index", i,
			"outcome", outcome.Kind.String(),
			"duration", elapsed,
			tint.Err(outcome.Err),
		)
	}

	logger.ErrorContext(
		ctx,
		"all models failed",
		"start_index", startIndex,
		"attempts", len(inv.Attempts),
		tint.Err(lastErr),
	)
	inv.Text = MessageModelsExhausted
	inv.Err = fmt.Errorf(
		"%w after %d attempts: %w",
		ErrModelsExhausted,
		len(inv.Attempts),
		lastErr,
	)
	return inv
}

type generateResult struct {
	text string
	err  error
}

// attempt runs one Generate call in its own goroutine, bounded by the
// attempt timeout. A call still running at the deadline is abandoned;
// its result is discarded.
func (m *ModelInvoker) attempt(ctx context.Context, req GenerateRequest) RequestOutcome {
	ctx, cancel := context.WithTimeout(ctx, m.attemptTimeout)
	defer cancel()

	done := make(chan generateResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- generateResult{err: fmt.Errorf("%w: %v", ErrModelPanic, r)}
			}
		}()
		text, err := m.client.Generate(ctx, req)
		done <- generateResult{text: text, err: err}
	}()

	var res generateResult
	select {
	case <-ctx.Done():
		return RequestOutcome{Kind: OutcomeTimeout, Err: ctx.Err()}
	case res = <-done:
	}

	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) {
			return RequestOutcome{Kind: OutcomeTimeout, Err: res.err}
		}
		return RequestOutcome{Kind: OutcomeTransportError, Err: res.err}
	}
	text := StripEchoedHeader(res.text)
	if text == "" {
		return RequestOutcome{Kind: OutcomeEmpty, Err: ErrEmptyResponse}
	}
	return RequestOutcome{Kind: OutcomeSuccess, Text: text}
}

// StripEchoedHeader removes everything up to and including the last
// "Message:" marker, then trims surrounding whitespace. Output without
// the marker is only trimmed.
func StripEchoedHeader(output string) string {
	if idx := strings.LastIndex(output, echoedHeaderMarker); idx >= 0 {
		output = output[idx+len(echoedHeaderMarker):]
	}
	return strings.TrimSpace(output)
}
