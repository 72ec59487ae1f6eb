package router

import (
	"context"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/upstream"
)

func retryCandidates() []Candidate {
	return []Candidate{
		{BindingID: 1, ProviderID: 1, ProviderName: "Provider1", TargetModel: "model1", Priority: 1, Weight: 1},
		{BindingID: 2, ProviderID: 2, ProviderName: "Provider2", TargetModel: "model2", Priority: 2, Weight: 1},
	}
}

func newTestHandler() *RetryHandler {
	return NewRetryHandler(NewRoundRobinStrategy(), 3, time.Millisecond)
}

func TestRetrySuccessFirstTry(t *testing.T) {
	h := newTestHandler()
	result := h.Execute(context.Background(), retryCandidates(), "test", func(ctx context.Context, c *Candidate) *upstream.Response {
		return &upstream.Response{Status: 200}
	})

	if !result.Success {
		t.Fatal("expected success")
	}
	if result.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", result.RetryCount)
	}
	if result.Response.Status != 200 {
		t.Errorf("status = %d", result.Response.Status)
	}
}

func TestRetryOn500(t *testing.T) {
	h := newTestHandler()
	calls := 0
	result := h.Execute(context.Background(), retryCandidates(), "test", func(ctx context.Context, c *Candidate) *upstream.Response {
		calls++
		if calls < 3 {
			return &upstream.Response{Status: 500}
		}
		return &upstream.Response{Status: 200}
	})

	if !result.Success {
		t.Fatal("expected eventual success")
	}
	if result.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", result.RetryCount)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestSwitchProviderOn400(t *testing.T) {
	h := newTestHandler()
	var providerCalls []int64
	result := h.Execute(context.Background(), retryCandidates(), "test", func(ctx context.Context, c *Candidate) *upstream.Response {
		providerCalls = append(providerCalls, c.ProviderID)
		if c.ProviderID == 1 {
			return &upstream.Response{Status: 400}
		}
		return &upstream.Response{Status: 200}
	})

	if !result.Success {
		t.Fatal("expected success on the second provider")
	}
	if result.Provider.ProviderID != 2 {
		t.Errorf("final provider = %d, want 2", result.Provider.ProviderID)
	}
	if len(providerCalls) != 2 || providerCalls[0] != 1 || providerCalls[1] != 2 {
		t.Errorf("provider calls = %v, want [1 2]", providerCalls)
	}
	if result.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", result.RetryCount)
	}
}

func TestMaxRetriesThenSwitch(t *testing.T) {
	h := newTestHandler()
	var providerCalls []int64
	result := h.Execute(context.Background(), retryCandidates(), "test", func(ctx context.Context, c *Candidate) *upstream.Response {
		providerCalls = append(providerCalls, c.ProviderID)
		if c.ProviderID == 1 {
			return &upstream.Response{Status: 500}
		}
		return &upstream.Response{Status: 200}
	})

	if !result.Success {
		t.Fatal("expected success on the second provider")
	}
	if result.Provider.ProviderID != 2 {
		t.Errorf("final provider = %d, want 2", result.Provider.ProviderID)
	}
	want := []int64{1, 1, 1, 2}
	if len(providerCalls) != len(want) {
		t.Fatalf("provider calls = %v, want %v", providerCalls, want)
	}
	for i := range want {
		if providerCalls[i] != want[i] {
			t.Fatalf("provider calls = %v, want %v", providerCalls, want)
		}
	}
}

func TestAllProvidersFail(t *testing.T) {
	h := newTestHandler()
	result := h.Execute(context.Background(), retryCandidates(), "test", func(ctx context.Context, c *Candidate) *upstream.Response {
		return &upstream.Response{Status: 500}
	})

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Response.Status != 500 {
		t.Errorf("status = %d, want 500", result.Response.Status)
	}
	// Three transient attempts per provider, two providers.
	if result.RetryCount != 6 {
		t.Errorf("retry count = %d, want 6", result.RetryCount)
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	h := newTestHandler()
	calls := 0
	result := h.Execute(context.Background(), retryCandidates()[:1], "test", func(ctx context.Context, c *Candidate) *upstream.Response {
		calls++
		return &upstream.Response{Status: 0, Err: context.DeadlineExceeded}
	})

	if result.Success {
		t.Fatal("expected failure")
	}
	if calls != 3 {
		t.Errorf("status-0 responses should be retried like 5xx, got %d calls", calls)
	}
}

func TestEmptyCandidates(t *testing.T) {
	h := newTestHandler()
	result := h.Execute(context.Background(), nil, "test", func(ctx context.Context, c *Candidate) *upstream.Response {
		t.Fatal("forward must not be called")
		return nil
	})

	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Response != nil {
		t.Errorf("no response expected, got %+v", result.Response)
	}
}

func TestCancellationStopsLoop(t *testing.T) {
	h := newTestHandler()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	result := h.Execute(ctx, retryCandidates(), "test", func(ctx context.Context, c *Candidate) *upstream.Response {
		calls++
		cancel()
		return &upstream.Response{Status: 500}
	})

	if !result.Cancelled {
		t.Fatal("expected a cancelled result")
	}
	if calls != 1 {
		t.Errorf("no further attempt after cancellation, got %d calls", calls)
	}
}
