// ABOUTME: Correlates asynchronous command_result frames back to dispatched commands.
// ABOUTME: Write-once entries with blocking await, TTL eviction, and a size cap.

package correlate

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrTimedOut is returned when no result arrived within the caller's window.
	ErrTimedOut = errors.New("timed out waiting for command result")

	// ErrUnknownRequest is returned when awaiting an id that was never recorded or was evicted.
	ErrUnknownRequest = errors.New("unknown request id")

	// ErrDuplicateRequest is returned when recording an id that is already tracked.
	ErrDuplicateRequest = errors.New("duplicate request id")
)

// DefaultAwaitTimeout applies when neither the caller nor the request specify a timeout.
const DefaultAwaitTimeout = 30 * time.Second

// State is the lifecycle position of a correlation entry.
type State int

const (
	StatePending State = iota
	StateCompleted
	StateTimedOut
)

// String returns the lowercase state name used in API responses.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Request is the immutable description of a dispatched command.
type Request struct {
	ID         string
	AgentID    string
	Command    string
	Timeout    time.Duration
	WorkingDir string
	CreatedAt  time.Time
}

// Result is the outcome reported by an agent for one request.
type Result struct {
	RequestID   string
	Success     bool
	Output      string
	Error       string
	ExitCode    int
	Duration    time.Duration
	CompletedAt time.Time
}

// entry tracks one request. done is closed exactly once, on the first
// transition out of StatePending.
type entry struct {
	req      Request
	state    State
	result   *Result
	done     chan struct{}
	recorded time.Time
	element  *list.Element
}

func (e *entry) finish(state State, res *Result) {
	e.state = state
	e.result = res
	close(e.done)
}

// Options configures a Correlator.
type Options struct {
	// TTL bounds how long any entry is retained regardless of state. Zero disables age eviction.
	TTL time.Duration
	// CleanupInterval is how often expired entries are swept. Zero disables the background loop.
	CleanupInterval time.Duration
	// MaxEntries caps tracked entries; the oldest is evicted when full. Zero means unbounded.
	MaxEntries int
	Logger     *slog.Logger
}

// Correlator maps request ids to pending or completed results.
// It is safe for concurrent use.
type Correlator struct {
	mu         sync.Mutex
	entries    map[string]*entry
	order      *list.List // request ids in recording order (oldest at front)
	ttl        time.Duration
	maxEntries int
	logger     *slog.Logger
	now        func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a Correlator and starts its eviction loop when configured.
func New(opts Options) *Correlator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Correlator{
		entries:    make(map[string]*entry),
		order:      list.New(),
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		logger:     logger,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	if opts.CleanupInterval > 0 && opts.TTL > 0 {
		go c.cleanup(opts.CleanupInterval)
	}
	return c
}

// RecordPending starts tracking a request in StatePending.
func (c *Correlator) RecordPending(req Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[req.ID]; exists {
		return ErrDuplicateRequest
	}

	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}

	e := &entry{
		req:      req,
		state:    StatePending,
		done:     make(chan struct{}),
		recorded: c.now(),
	}
	e.element = c.order.PushBack(req.ID)
	c.entries[req.ID] = e
	return nil
}

// StoreResult completes a pending request and wakes its waiter.
// Unknown or already terminal ids are ignored; the return value reports
// whether the result was stored.
func (c *Correlator) StoreResult(id string, res Result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		c.logger.Debug("dropping result for unknown request", "request_id", id)
		return false
	}
	if e.state != StatePending {
		c.logger.Debug("dropping result for finished request",
			"request_id", id,
			"state", e.state.String(),
		)
		return false
	}

	res.RequestID = id
	if res.CompletedAt.IsZero() {
		res.CompletedAt = c.now()
	}
	e.finish(StateCompleted, &res)
	return true
}

// GetResult is a non-blocking read. The result is nil unless the state is
// StateCompleted. ok is false when the id is not tracked.
func (c *Correlator) GetResult(id string) (res *Result, state State, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[id]
	if !exists {
		return nil, 0, false
	}
	return copyResult(e.result), e.state, true
}

// Request returns the recorded request for id.
func (c *Correlator) Request(id string) (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return Request{}, false
	}
	return e.req, true
}

// AwaitResult blocks until the request completes, the timeout elapses, or ctx
// is done. On timeout a still-pending entry becomes StateTimedOut, so a late
// StoreResult is dropped. A non-positive timeout falls back to the request's
// own timeout, then to DefaultAwaitTimeout.
func (c *Correlator) AwaitResult(ctx context.Context, id string, timeout time.Duration) (*Result, error) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return nil, ErrUnknownRequest
	}
	switch e.state {
	case StateCompleted:
		res := copyResult(e.result)
		c.mu.Unlock()
		return res, nil
	case StateTimedOut:
		c.mu.Unlock()
		return nil, ErrTimedOut
	}
	if timeout <= 0 {
		timeout = e.req.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultAwaitTimeout
	}
	done := e.done
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		c.mu.Lock()
		if e.state == StatePending {
			e.finish(StateTimedOut, nil)
			c.logger.Debug("request timed out", "request_id", id, "timeout", timeout)
		}
		c.mu.Unlock()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e.state == StateCompleted {
		return copyResult(e.result), nil
	}
	return nil, ErrTimedOut
}

// Forget drops a request. A waiter blocked on it is released with ErrTimedOut.
func (c *Correlator) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok {
		c.removeLocked(e)
	}
}

// Len returns the number of tracked entries.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats counts tracked entries per state.
type Stats struct {
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	TimedOut  int `json:"timed_out"`
}

// Stats returns a snapshot of entry counts.
func (c *Correlator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s Stats
	for _, e := range c.entries {
		switch e.state {
		case StatePending:
			s.Pending++
		case StateCompleted:
			s.Completed++
		case StateTimedOut:
			s.TimedOut++
		}
	}
	return s
}

// EvictExpired removes every entry recorded more than ttl ago and returns the count.
func (c *Correlator) EvictExpired() int {
	if c.ttl <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.ttl)
	evicted := 0
	// Entries are in recording order, so stop at the first young one.
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		id, _ := front.Value.(string)
		e := c.entries[id]
		if e.recorded.After(cutoff) {
			break
		}
		c.removeLocked(e)
		evicted++
	}
	if evicted > 0 {
		c.logger.Debug("evicted expired requests", "count", evicted, "remaining", len(c.entries))
	}
	return evicted
}

// removeLocked deletes e and releases any waiter. Must be called with mu held.
func (c *Correlator) removeLocked(e *entry) {
	if e.state == StatePending {
		e.finish(StateTimedOut, nil)
	}
	c.order.Remove(e.element)
	delete(c.entries, e.req.ID)
}

// evictOldestLocked drops the oldest entry. Must be called with mu held.
func (c *Correlator) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	if e, ok := c.entries[id]; ok {
		c.logger.Warn("correlator full, evicting oldest request",
			"request_id", id,
			"state", e.state.String(),
		)
		c.removeLocked(e)
	}
}

func (c *Correlator) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.EvictExpired()
		case <-c.done:
			return
		}
	}
}

// Close stops the eviction loop. It is safe to call multiple times.
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

func copyResult(r *Result) *Result {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}
