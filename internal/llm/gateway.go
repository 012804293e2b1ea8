package llm

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/baloozeone972/lubrik-gpt-sub000/internal/enginerr"
	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/logger"
	"github.com/baloozeone972/lubrik-gpt-sub000/pkg/metrics"
)

// Gateway wraps a provider client with per-call timeouts, bounded retries
// on transient failures, and error classification. All generation goes
// through the gateway; services never talk to a provider client directly.
type Gateway struct {
	client  Client
	logger  *logger.Logger
	timeout time.Duration
	retries int
}

// NewGateway creates a gateway around the given provider client.
func NewGateway(client Client, log *logger.Logger, timeout time.Duration, retries int) *Gateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &Gateway{
		client:  client,
		logger:  log,
		timeout: timeout,
		retries: retries,
	}
}

// Provider returns the underlying provider name.
func (g *Gateway) Provider() string {
	return g.client.Name()
}

// Generate runs a non-streaming completion. Transient provider failures
// are retried with exponential backoff; after the retry budget is spent
// the last classified error is returned.
func (g *Gateway) Generate(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	var resp *CompletionResponse
	attempt := 0

	operation := func() error {
		if attempt > 0 {
			metrics.GenerationRetries.Inc()
			g.logger.Warnw("retrying generation", "provider", g.client.Name(), "attempt", attempt)
		}
		attempt++

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		start := time.Now()
		r, err := g.client.Complete(callCtx, req)
		if err != nil {
			classified := g.classify(err)
			metrics.RecordGeneration(g.client.Name(), "error", time.Since(start).Seconds(), 0, 0)
			if enginerr.IsRetryable(classified) {
				return classified
			}
			return backoff.Permanent(classified)
		}

		if rejected := refusalError(r); rejected != nil {
			metrics.RecordGeneration(g.client.Name(), "rejected", time.Since(start).Seconds(), r.TokensIn, r.TokensOut)
			return backoff.Permanent(rejected)
		}

		metrics.RecordGeneration(g.client.Name(), "ok", time.Since(start).Seconds(), r.TokensIn, r.TokensOut)
		resp = r
		return nil
	}

	if err := backoff.Retry(operation, g.newBackoff(ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

// GenerateStream runs a streaming completion, emitting a Chunk per token.
// The final chunk has IsComplete set and carries the full accumulated
// text. Once the first chunk has been emitted the stream cannot be
// restarted, so retries only cover failures before any output.
func (g *Gateway) GenerateStream(ctx context.Context, req *CompletionRequest, onChunk ChunkCallback) (*CompletionResponse, error) {
	var resp *CompletionResponse
	attempt := 0
	emitted := 0

	operation := func() error {
		if attempt > 0 {
			metrics.GenerationRetries.Inc()
			g.logger.Warnw("retrying streamed generation", "provider", g.client.Name(), "attempt", attempt)
		}
		attempt++

		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		start := time.Now()

		r, err := g.client.CompleteStream(callCtx, req, func(token string, index int) error {
			emitted++
			return onChunk(Chunk{Content: token, Index: index})
		})
		if err != nil {
			classified := g.classify(err)
			metrics.RecordGeneration(g.client.Name(), "error", time.Since(start).Seconds(), 0, 0)
			if emitted > 0 || !enginerr.IsRetryable(classified) {
				return backoff.Permanent(classified)
			}
			return classified
		}

		if rejected := refusalError(r); rejected != nil {
			metrics.RecordGeneration(g.client.Name(), "rejected", time.Since(start).Seconds(), r.TokensIn, r.TokensOut)
			return backoff.Permanent(rejected)
		}

		metrics.RecordGeneration(g.client.Name(), "ok", time.Since(start).Seconds(), r.TokensIn, r.TokensOut)
		resp = r
		return nil
	}

	if err := backoff.Retry(operation, g.newBackoff(ctx)); err != nil {
		return nil, err
	}

	// The final chunk continues the sequence and carries the whole text.
	final := Chunk{
		Index:       emitted,
		IsComplete:  true,
		FullContent: resp.Content,
	}
	if err := onChunk(final); err != nil {
		return resp, err
	}
	return resp, nil
}

func (g *Gateway) newBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(g.retries)), ctx)
}

// classify maps raw provider errors onto the engine's error kinds so
// callers can decide between retry, fallback, and surface.
func (g *Gateway) classify(err error) error {
	var engErr *enginerr.Error
	if errors.As(err, &engErr) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return enginerr.ProviderTimeout(err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return enginerr.ProviderTimeout(err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"),
		strings.Contains(msg, "overloaded"), strings.Contains(msg, "503"),
		strings.Contains(msg, "502"), strings.Contains(msg, "500"):
		return enginerr.ProviderUnavailable(err)
	case strings.Contains(msg, "content policy"), strings.Contains(msg, "content_filter"),
		strings.Contains(msg, "content filtering"):
		return enginerr.ContentRejected("")
	default:
		return enginerr.ProviderUnavailable(err)
	}
}

// refusalError detects a provider-side content stop. The refusal text the
// model produced travels in the error so callers can persist it verbatim.
func refusalError(r *CompletionResponse) error {
	if r.StopReason == "content_filter" {
		return enginerr.ContentRejected(r.Content)
	}
	return nil
}
