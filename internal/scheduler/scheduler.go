// Package scheduler implements the Request Scheduler: one FIFO queue per
// sessionKey, bounded global concurrency, cancellation, and retry with
// exponential backoff for transient Agent Runner failures.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/wingman-ai/gateway/internal/domain"
	"github.com/wingman-ai/gateway/internal/gatewayerr"
)

// Executor runs a single Request to completion, emitting lifecycle
// events through whatever side channel the caller closed over (normally
// the Event Fanout). It must honor ctx cancellation for cooperative
// cancel/cancelling transitions.
type Executor func(ctx context.Context, req *domain.Request) error

// RetryPolicy configures the Scheduler's backoff for transient failures.
type RetryPolicy struct {
	Base        time.Duration
	MaxBackoff  time.Duration
	JitterMs    time.Duration
	MaxAttempts int
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 500 * time.Millisecond, MaxBackoff: 4 * time.Second, JitterMs: 200 * time.Millisecond, MaxAttempts: 3}
}

// Scheduler dispatches Requests, one FIFO queue per sessionKey, bounded
// by a global concurrency semaphore.
type Scheduler struct {
	mu       sync.Mutex
	queues   map[string][]*pending
	active   map[string]bool      // sessionKey -> a drainQueue coordinator owns it
	running  map[string]*pending  // sessionKey -> currently running
	cancels  map[string]context.CancelFunc
	states   map[string]domain.RequestState
	arrivals map[string]chan struct{} // sessionKey -> wake for an idle coordinator
	sem      *semaphore.Weighted
	retry    RetryPolicy
	exec     Executor

	gracefulShutdown time.Duration
	coordinatorIdle  time.Duration
	onCancelTimeout  func(*domain.Request)

	wg       sync.WaitGroup
	shutdown chan struct{}
}

type pending struct {
	req      *domain.Request
	done     chan struct{}
	cancelCh chan struct{}
}

// Options configures a new Scheduler.
type Options struct {
	MaxConcurrentRequests int
	Retry                 RetryPolicy

	// GracefulShutdown bounds how long a running request is given to
	// observe cancellation (explicit, or its deadline expiring) before the
	// Scheduler gives up on it, reports CancellationTimeout, and reclaims
	// its concurrency slot. Defaults to 5s.
	GracefulShutdown time.Duration

	// CoordinatorIdle is how long a sessionKey's coordinator lingers after
	// its queue drains before retiring, so a follow-up request on a chatty
	// session reuses it instead of spawning a fresh goroutine. Defaults to
	// 60s.
	CoordinatorIdle time.Duration

	// OnCancellationTimeout, if set, is invoked when a running request is
	// abandoned after GracefulShutdown without its Executor call returning.
	OnCancellationTimeout func(req *domain.Request)
}

// New constructs a Scheduler bound to exec for running requests.
func New(opts Options, exec Executor) *Scheduler {
	if opts.MaxConcurrentRequests <= 0 {
		opts.MaxConcurrentRequests = 64
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = defaultRetryPolicy()
	}
	if opts.GracefulShutdown <= 0 {
		opts.GracefulShutdown = 5 * time.Second
	}
	if opts.CoordinatorIdle <= 0 {
		opts.CoordinatorIdle = 60 * time.Second
	}
	return &Scheduler{
		queues:           make(map[string][]*pending),
		active:           make(map[string]bool),
		running:          make(map[string]*pending),
		cancels:          make(map[string]context.CancelFunc),
		states:           make(map[string]domain.RequestState),
		arrivals:         make(map[string]chan struct{}),
		sem:              semaphore.NewWeighted(int64(opts.MaxConcurrentRequests)),
		retry:            opts.Retry,
		exec:             exec,
		gracefulShutdown: opts.GracefulShutdown,
		coordinatorIdle:  opts.CoordinatorIdle,
		onCancelTimeout:  opts.OnCancellationTimeout,
		shutdown:         make(chan struct{}),
	}
}

// Submit enqueues req for execution under its SessionKey's FIFO queue. If
// a request is already running or queued for that key and queueIfBusy is
// false, Submit fails immediately with Busy.
func (s *Scheduler) Submit(req *domain.Request) error {
	s.mu.Lock()

	if _, running := s.running[req.SessionKey]; running && !req.QueueIfBusy {
		s.mu.Unlock()
		return gatewayerr.New(gatewayerr.Busy, "a request is already running for this session")
	}
	if len(s.queues[req.SessionKey]) > 0 && !req.QueueIfBusy {
		s.mu.Unlock()
		return gatewayerr.New(gatewayerr.Busy, "a request is already queued for this session")
	}

	req.State = domain.RequestQueued
	s.states[req.ID] = domain.RequestQueued
	p := &pending{req: req, done: make(chan struct{}), cancelCh: make(chan struct{})}
	s.queues[req.SessionKey] = append(s.queues[req.SessionKey], p)

	// A sessionKey has at most one drainQueue coordinator alive at a time.
	// active is set here under the same lock as the queue append, and is
	// only cleared by drainQueue under the same lock as its final,
	// queue-empty pop (below). That keeps Submit from ever observing a
	// window where the queue is non-empty but no coordinator is about to
	// claim it, which is what let two coordinators spawn for one key and
	// run requests for the same session concurrently.
	needsCoordinator := !s.active[req.SessionKey]
	if needsCoordinator {
		s.active[req.SessionKey] = true
	} else if ch, ok := s.arrivals[req.SessionKey]; ok {
		// Wake a coordinator lingering in its idle window.
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()

	if needsCoordinator {
		s.wg.Add(1)
		go s.drainQueue(req.SessionKey)
	}
	return nil
}

// Cancel transitions requestId from queued to done{cancelled} without
// running it, or from running to cancelling and signals the Executor's
// context. A second cancel for the same request is idempotent.
func (s *Scheduler) Cancel(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if state, ok := s.states[requestID]; ok && (state == domain.RequestDone || state == domain.RequestError) {
		return
	}

	for _, list := range s.queues {
		for _, p := range list {
			if p.req.ID == requestID {
				select {
				case <-p.cancelCh:
				default:
					close(p.cancelCh)
				}
				s.states[requestID] = domain.RequestDone
				return
			}
		}
	}

	if cancel, ok := s.cancels[requestID]; ok {
		s.states[requestID] = domain.RequestCancelling
		cancel()
	}
}

// State returns the last known lifecycle state of requestID.
func (s *Scheduler) State(requestID string) (domain.RequestState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[requestID]
	return st, ok
}

// Shutdown waits for in-flight requests to drain, up to the given
// deadline.
func (s *Scheduler) Shutdown(ctx context.Context) {
	close(s.shutdown)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("scheduler shutdown deadline exceeded with requests still in flight")
	}
}

func (s *Scheduler) drainQueue(sessionKey string) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		queue := s.queues[sessionKey]
		if len(queue) == 0 {
			// Linger through the idle window before retiring: Submit wakes
			// us via the arrival channel if a new request lands on this key
			// meanwhile. active stays set the whole time, so Submit never
			// spawns a second coordinator while we wait.
			ch, ok := s.arrivals[sessionKey]
			if !ok {
				ch = make(chan struct{}, 1)
				s.arrivals[sessionKey] = ch
			}
			s.mu.Unlock()

			idle := time.NewTimer(s.coordinatorIdle)
			select {
			case <-ch:
				idle.Stop()
				continue
			case <-s.shutdown:
				idle.Stop()
			case <-idle.C:
			}

			s.mu.Lock()
			if len(s.queues[sessionKey]) > 0 {
				// A request raced the timer in; keep draining.
				s.mu.Unlock()
				continue
			}
			delete(s.queues, sessionKey)
			delete(s.active, sessionKey)
			delete(s.arrivals, sessionKey)
			s.mu.Unlock()
			return
		}
		p := queue[0]
		s.queues[sessionKey] = queue[1:]
		s.running[sessionKey] = p
		s.mu.Unlock()

		select {
		case <-p.cancelCh:
			// Cancelled while queued; skip execution entirely.
		default:
			s.runOne(sessionKey, p)
		}

		s.mu.Lock()
		delete(s.running, sessionKey)
		s.mu.Unlock()
		close(p.done)
	}
}

// runOne executes p under the concurrency semaphore, bounding it to
// p.req.Deadline (the effective min(clientDeadline, serverMaxRequestDuration)
// computed by the caller) when set. If cancellation — from Cancel or from
// the deadline expiring — isn't observed by the Executor within
// gracefulShutdown, the request is abandoned: its slot and running-map
// entry are reclaimed immediately and CancellationTimeout is reported,
// while the stuck Executor call is left to return on its own.
func (s *Scheduler) runOne(sessionKey string, p *pending) {
	if err := s.sem.Acquire(context.Background(), 1); err != nil {
		return
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if !p.req.Deadline.IsZero() {
		ctx, cancel = context.WithDeadline(context.Background(), p.req.Deadline)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	s.mu.Lock()
	s.cancels[p.req.ID] = cancel
	s.states[p.req.ID] = domain.RequestRunning
	p.req.State = domain.RequestRunning
	s.mu.Unlock()

	go func() {
		select {
		case <-p.cancelCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- s.runWithRetry(ctx, p.req)
	}()

	var err error
	abandoned := false
	select {
	case err = <-resultCh:
	case <-ctx.Done():
		select {
		case err = <-resultCh:
		case <-time.After(s.gracefulShutdown):
			abandoned = true
		}
	}

	s.mu.Lock()
	delete(s.cancels, p.req.ID)
	switch {
	case abandoned:
		s.states[p.req.ID] = domain.RequestError
	case err != nil && (errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded)):
		s.states[p.req.ID] = domain.RequestDone
	case err != nil:
		s.states[p.req.ID] = domain.RequestError
	default:
		s.states[p.req.ID] = domain.RequestDone
	}
	s.mu.Unlock()

	cancel()
	s.sem.Release(1)

	if abandoned {
		slog.Warn("request did not observe cancellation within gracefulShutdown, abandoning", "requestId", p.req.ID, "grace", s.gracefulShutdown)
		if s.onCancelTimeout != nil {
			s.onCancelTimeout(p.req)
		}
	}
}

func (s *Scheduler) runWithRetry(ctx context.Context, req *domain.Request) error {
	var lastErr error
	for attempt := 0; attempt < s.retry.MaxAttempts; attempt++ {
		lastErr = s.exec(ctx, req)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}

		ge := gatewayerr.As(lastErr)
		if !ge.Retryable() {
			return lastErr
		}
		if attempt == s.retry.MaxAttempts-1 {
			break
		}

		delay := backoffDelay(s.retry, attempt)
		slog.Debug("retrying transient agent runner failure", "requestId", req.ID, "attempt", attempt+1, "delay", delay)
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}
	}
	return lastErr
}

func backoffDelay(p RetryPolicy, attempt int) time.Duration {
	backoff := p.Base * time.Duration(1<<uint(attempt))
	if backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	if p.JitterMs <= 0 {
		return backoff
	}
	jitter := time.Duration(rand.Int63n(int64(p.JitterMs)))
	return backoff + jitter
}
