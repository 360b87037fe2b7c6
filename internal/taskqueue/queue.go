// Package taskqueue runs named actions with bounded parallelism and retries
// failed units with a growing delay.
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go-civitai-crawler/internal/metrics"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Handler executes one unit of work.
type Handler func(ctx context.Context, args json.RawMessage) error

// Enqueuer is the part of a queue that producers need.
type Enqueuer interface {
	Enqueue(ctx context.Context, action string, args interface{}) (string, error)
}

// Options configures a Memory queue.
type Options struct {
	MaxParallelism int           // default 1
	MaxAttempts    int           // default 3
	RetryBase      time.Duration // delay before attempt n+1 is n² × RetryBase
}

// Unit is one enqueued action invocation.
type Unit struct {
	ID       string
	Action   string
	Args     json.RawMessage
	Attempts int
	LastErr  string

	notBefore time.Time
}

// Memory is an in-process queue. Units are lost when the process exits; crawl
// state lives in the run store, so a restart only needs one new unit.
type Memory struct {
	opts     Options
	handlers map[string]Handler

	mu       sync.Mutex
	pending  []*Unit
	failed   []Unit
	inflight int

	sem    chan struct{}
	notify chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
	log    *log.Entry
}

var _ Enqueuer = (*Memory)(nil)

// NewMemory creates an empty queue.
func NewMemory(opts Options) *Memory {
	if opts.MaxParallelism <= 0 {
		opts.MaxParallelism = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 2 * time.Second
	}
	return &Memory{
		opts:     opts,
		handlers: map[string]Handler{},
		sem:      make(chan struct{}, opts.MaxParallelism),
		notify:   make(chan struct{}, 1),
		now:      time.Now,
		log:      log.WithField("component", "taskqueue"),
	}
}

// Register binds action to h. It must be called before Run.
func (q *Memory) Register(action string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[action] = h
}

// Enqueue adds a unit for action. args is JSON encoded.
func (q *Memory) Enqueue(ctx context.Context, action string, args interface{}) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode args for %s: %w", action, err)
	}

	q.mu.Lock()
	if _, ok := q.handlers[action]; !ok {
		q.mu.Unlock()
		return "", fmt.Errorf("no handler registered for action %q", action)
	}
	u := &Unit{ID: uuid.NewString(), Action: action, Args: raw}
	q.pending = append(q.pending, u)
	q.mu.Unlock()

	q.wake()
	return u.ID, nil
}

// Len returns the number of units waiting to run.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Failed returns units that exhausted their attempts.
func (q *Memory) Failed() []Unit {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Unit(nil), q.failed...)
}

// Run executes units until ctx is done. With untilIdle it returns nil as soon
// as nothing is pending or running.
func (q *Memory) Run(ctx context.Context, untilIdle bool) error {
	for {
		select {
		case q.sem <- struct{}{}:
		case <-ctx.Done():
			q.wg.Wait()
			return ctx.Err()
		}

		q.mu.Lock()
		u, wait := q.popReady()
		idle := u == nil && len(q.pending) == 0 && q.inflight == 0
		if u != nil {
			q.inflight++
		}
		q.mu.Unlock()

		if u != nil {
			q.wg.Add(1)
			go q.execute(ctx, u)
			continue
		}
		<-q.sem

		if idle && untilIdle {
			q.wg.Wait()
			return nil
		}

		var (
			timer *time.Timer
			fired <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			fired = timer.C
		}
		select {
		case <-q.notify:
		case <-fired:
		case <-ctx.Done():
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			q.wg.Wait()
			return ctx.Err()
		}
	}
}

// popReady removes the first unit whose retry delay has passed. When none is
// ready, wait is the time until the earliest one becomes ready.
func (q *Memory) popReady() (*Unit, time.Duration) {
	now := q.now()
	var wait time.Duration
	for i, u := range q.pending {
		if !u.notBefore.After(now) {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return u, 0
		}
		if d := u.notBefore.Sub(now); wait == 0 || d < wait {
			wait = d
		}
	}
	return nil, wait
}

func (q *Memory) execute(ctx context.Context, u *Unit) {
	defer q.wg.Done()
	metrics.IncActiveWorkers()

	q.mu.Lock()
	h := q.handlers[u.Action]
	q.mu.Unlock()

	u.Attempts++
	err := safeCall(ctx, h, u.Args)
	metrics.DecActiveWorkers()

	entry := q.log.WithFields(log.Fields{"unit": u.ID, "action": u.Action, "attempt": u.Attempts})
	q.mu.Lock()
	switch {
	case err == nil:
		metrics.ObserveQueueUnit(u.Action, "ok")
	case u.Attempts < q.opts.MaxAttempts:
		delay := time.Duration(u.Attempts*u.Attempts) * q.opts.RetryBase
		u.LastErr = err.Error()
		u.notBefore = q.now().Add(delay)
		q.pending = append(q.pending, u)
		metrics.ObserveQueueUnit(u.Action, "retry")
		entry.WithError(err).Warnf("Unit failed, retrying after %s", delay)
	default:
		u.LastErr = err.Error()
		q.failed = append(q.failed, *u)
		metrics.ObserveQueueUnit(u.Action, "failed")
		entry.WithError(err).Errorf("Unit failed after %d attempts", u.Attempts)
	}
	q.inflight--
	q.mu.Unlock()

	<-q.sem
	q.wake()
}

func safeCall(ctx context.Context, h Handler, args json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, args)
}

func (q *Memory) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
