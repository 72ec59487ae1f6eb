package router

import (
	"context"
	"time"

	"github.com/modelrelay/modelrelay/internal/upstream"
)

// ForwardFunc issues a single upstream attempt against a candidate.
type ForwardFunc func(ctx context.Context, c *Candidate) *upstream.Response

// RetryResult is the outcome of a full retry/failover run. RetryCount is the
// number of failed attempts that preceded the returned response.
type RetryResult struct {
	Response   *upstream.Response
	RetryCount int
	Provider   *Candidate
	Success    bool
	Cancelled  bool
}

// RetryHandler drives attempts across candidates. Transient failures (network
// errors and 5xx) are retried against the same provider up to maxAttempts
// with delay between attempts; anything else advances to the next untried
// candidate immediately. When every candidate has been tried, the last
// response is returned.
type RetryHandler struct {
	strategy    Strategy
	maxAttempts int
	delay       time.Duration
}

func NewRetryHandler(strategy Strategy, maxAttempts int, delay time.Duration) *RetryHandler {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryHandler{strategy: strategy, maxAttempts: maxAttempts, delay: delay}
}

// Execute runs the failover loop. If ctx is cancelled (client disconnect),
// the loop aborts at the next boundary without issuing another upstream call.
func (h *RetryHandler) Execute(ctx context.Context, candidates []Candidate, model string, forward ForwardFunc) *RetryResult {
	if len(candidates) == 0 {
		return &RetryResult{}
	}

	tried := make(map[int64]bool, len(candidates))
	totalRetries := 0
	var lastResponse *upstream.Response
	var lastProvider *Candidate

	current := h.strategy.Select(candidates, model)
	for current != nil {
		tried[current.ProviderID] = true
		lastProvider = current

		sameProviderRetries := 0
		for sameProviderRetries < h.maxAttempts {
			if ctx.Err() != nil {
				return &RetryResult{Response: lastResponse, RetryCount: totalRetries, Provider: lastProvider, Cancelled: true}
			}

			resp := forward(ctx, current)
			lastResponse = resp

			if resp.Success() {
				return &RetryResult{Response: resp, RetryCount: totalRetries, Provider: current, Success: true}
			}

			if resp.Transient() {
				sameProviderRetries++
				totalRetries++
				if sameProviderRetries < h.maxAttempts {
					if !sleepCtx(ctx, h.delay) {
						return &RetryResult{Response: lastResponse, RetryCount: totalRetries, Provider: lastProvider, Cancelled: true}
					}
					continue
				}
				break // provider exhausted, fail over
			}

			// Non-transient rejection: switch providers right away.
			totalRetries++
			break
		}

		current = nextUntried(candidates, tried)
	}

	return &RetryResult{Response: lastResponse, RetryCount: totalRetries, Provider: lastProvider}
}

// nextUntried returns the first candidate whose provider has not been tried.
// Candidates arrive sorted by (priority, binding id), so failover naturally
// drains a priority bucket before moving to the next one.
func nextUntried(candidates []Candidate, tried map[int64]bool) *Candidate {
	for _, c := range candidates {
		if !tried[c.ProviderID] {
			c := c
			return &c
		}
	}
	return nil
}

// sleepCtx waits for d and reports false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
