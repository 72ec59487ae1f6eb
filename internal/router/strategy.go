package router

import "sync"

// Strategy picks the next candidate for a requested model. Implementations
// keep per-model state so consecutive requests for the same model rotate
// through providers; state is safe for concurrent use.
type Strategy interface {
	// Select returns the candidate for a fresh request, or nil if the list
	// is empty.
	Select(candidates []Candidate, model string) *Candidate
	// Next returns the candidate after current in list order, wrapping
	// around, or nil when there is nowhere else to go.
	Next(candidates []Candidate, model string, current *Candidate) *Candidate
	// Reset discards all per-model state.
	Reset()
}

// NewStrategy returns the strategy registered under name. Unknown names fall
// back to weighted round-robin.
func NewStrategy(name string) Strategy {
	if name == "priority" {
		return NewPriorityStrategy()
	}
	return NewRoundRobinStrategy()
}

// wrrState tracks one model's rotation: per-binding credits for the current
// weighted cycle plus a cursor for the unweighted fallback.
type wrrState struct {
	credits map[int64]int
	cursor  int
}

// RoundRobinStrategy implements weighted round-robin. Each candidate receives
// weight picks per cycle, drained in candidate order; when every candidate's
// credits are spent the cycle restarts. Weights 3:1 therefore yield
// A,A,A,B,A,A,A,B. If no candidate has a positive weight, selection degrades
// to an unweighted cyclic advance.
type RoundRobinStrategy struct {
	mu    sync.Mutex
	state map[string]*wrrState
}

func NewRoundRobinStrategy() *RoundRobinStrategy {
	return &RoundRobinStrategy{state: make(map[string]*wrrState)}
}

func (s *RoundRobinStrategy) Select(candidates []Candidate, model string) *Candidate {
	if len(candidates) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state[model]
	if !ok {
		st = &wrrState{credits: make(map[int64]int)}
		s.state[model] = st
	}

	if !anyPositiveWeight(candidates) {
		c := candidates[st.cursor%len(candidates)]
		st.cursor++
		return &c
	}

	if c := drainCredits(candidates, st); c != nil {
		return c
	}
	// Cycle exhausted (or weights changed): refill and pick again.
	st.credits = make(map[int64]int, len(candidates))
	for _, c := range candidates {
		if c.Weight > 0 {
			st.credits[c.BindingID] = c.Weight
		}
	}
	return drainCredits(candidates, st)
}

func (s *RoundRobinStrategy) Next(candidates []Candidate, model string, current *Candidate) *Candidate {
	return nextAfter(candidates, current)
}

func (s *RoundRobinStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = make(map[string]*wrrState)
}

// drainCredits picks the first candidate in order with credits remaining.
func drainCredits(candidates []Candidate, st *wrrState) *Candidate {
	for _, c := range candidates {
		if st.credits[c.BindingID] > 0 {
			st.credits[c.BindingID]--
			c := c
			return &c
		}
	}
	return nil
}

func anyPositiveWeight(candidates []Candidate) bool {
	for _, c := range candidates {
		if c.Weight > 0 {
			return true
		}
	}
	return false
}

func nextAfter(candidates []Candidate, current *Candidate) *Candidate {
	if len(candidates) <= 1 || current == nil {
		return nil
	}
	for i, c := range candidates {
		if c.BindingID == current.BindingID {
			n := candidates[(i+1)%len(candidates)]
			return &n
		}
	}
	c := candidates[0]
	return &c
}

// PriorityStrategy restricts weighted round-robin to the numerically lowest
// priority bucket. Later buckets are reached through failover: the retry
// engine walks untried candidates in (priority, binding id) order, so once a
// bucket is exhausted the next one is consulted.
type PriorityStrategy struct {
	rr *RoundRobinStrategy
}

func NewPriorityStrategy() *PriorityStrategy {
	return &PriorityStrategy{rr: NewRoundRobinStrategy()}
}

func (s *PriorityStrategy) Select(candidates []Candidate, model string) *Candidate {
	if len(candidates) == 0 {
		return nil
	}
	top := candidates[0].Priority
	n := 0
	for n < len(candidates) && candidates[n].Priority == top {
		n++
	}
	return s.rr.Select(candidates[:n], model)
}

func (s *PriorityStrategy) Next(candidates []Candidate, model string, current *Candidate) *Candidate {
	return nextAfter(candidates, current)
}

func (s *PriorityStrategy) Reset() { s.rr.Reset() }
