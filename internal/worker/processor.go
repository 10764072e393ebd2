package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"qtube/internal/queue"
	"qtube/internal/telemetry"
)

// Handler executes one message of a stage.
type Handler func(ctx context.Context, msg queue.Message) error

// JSONHandler decodes the message body into T before calling fn. A body that
// does not decode is dead-lettered without retries.
func JSONHandler[T any](fn func(ctx context.Context, in T) error) Handler {
	return func(ctx context.Context, msg queue.Message) error {
		var in T
		if err := msg.Decode(&in); err != nil {
			return Permanent(err)
		}
		return fn(ctx, in)
	}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// DeadLetterFunc is told about every message given up on, after it has been
// moved to the DLQ. attempts counts the final failed attempt.
type DeadLetterFunc func(ctx context.Context, stage string, body json.RawMessage, attempts int, reason string) error

// Options tunes a Processor.
type Options struct {
	Stages              []string
	Concurrency         int
	PollInterval        time.Duration
	MaintenanceInterval time.Duration
	MaxAttempts         int
	BackoffInitial      time.Duration
	BackoffMax          time.Duration
	ScheduledBatchSize  int
	WorkerID            string
	OnDeadLetter        DeadLetterFunc
	Logger              *zap.Logger
}

// Processor drives the worker execution loops for a set of stages.
type Processor struct {
	opts     Options
	queue    *queue.RedisQueue
	handlers map[string]Handler
	log      *zap.Logger
}

func NewProcessor(q *queue.RedisQueue, opts Options) *Processor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = 2 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	if opts.ScheduledBatchSize <= 0 {
		opts.ScheduledBatchSize = 100
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		opts:     opts,
		queue:    q,
		handlers: make(map[string]Handler),
		log:      log.Named("worker").With(zap.String("worker_id", opts.WorkerID)),
	}
}

// RegisterHandler binds a handler to a stage.
func (p *Processor) RegisterHandler(stage string, handler Handler) {
	if stage == "" || handler == nil {
		return
	}
	p.handlers[stage] = handler
}

// Run consumes the configured stages until ctx is canceled, then waits for
// in-flight handlers to return.
func (p *Processor) Run(ctx context.Context) error {
	if len(p.opts.Stages) == 0 {
		return errors.New("worker: no stages configured")
	}
	for _, s := range p.opts.Stages {
		if _, ok := p.handlers[s]; !ok {
			return fmt.Errorf("worker: no handler registered for stage %q", s)
		}
	}
	p.log.Info("worker started", zap.Strings("stages", p.opts.Stages), zap.Int("concurrency", p.opts.Concurrency))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintain(ctx)
	}()
	for i := 0; i < p.opts.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.consume(ctx, slot)
		}(i)
	}
	wg.Wait()
	p.log.Info("worker stopped")
	return nil
}

// maintain promotes due retries, reclaims expired leases and reports depth.
func (p *Processor) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.opts.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.opts.ScheduledBatchSize)); err != nil && ctx.Err() == nil {
			p.log.Warn("promote scheduled", zap.Error(err))
		}
		if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err != nil && ctx.Err() == nil {
			p.log.Warn("requeue expired", zap.Error(err))
		} else if len(reclaimed) > 0 {
			p.log.Info("reclaimed expired leases", zap.Int("count", len(reclaimed)))
		}
		if depth, err := p.queue.Depth(ctx, p.opts.Stages); err == nil {
			for stage, n := range depth {
				telemetry.QueueDepthGauge.WithLabelValues(stage).Set(float64(n))
			}
		}
		if n, err := p.queue.InFlight(ctx); err == nil {
			telemetry.InFlightGauge.Set(float64(n))
		}
	}
}

func (p *Processor) consume(ctx context.Context, slot int) {
	order := make([]string, len(p.opts.Stages))
	for turn := slot; ; turn++ {
		if ctx.Err() != nil {
			return
		}
		// Rotate the stage order so one backlog cannot starve the others.
		for i := range order {
			order[i] = p.opts.Stages[(turn+i)%len(p.opts.Stages)]
		}
		msg, err := p.queue.Dequeue(ctx, order)
		if err != nil && ctx.Err() == nil {
			p.log.Warn("dequeue", zap.Error(err))
		}
		if msg == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.PollInterval):
			}
			continue
		}
		p.handle(ctx, msg)
	}
}

func (p *Processor) handle(ctx context.Context, msg *queue.Message) {
	log := p.log.With(zap.String("stage", msg.Stage), zap.String("message_id", msg.ID), zap.Int("attempt", msg.Attempts+1))
	handler, ok := p.handlers[msg.Stage]
	if !ok {
		p.deadLetter(ctx, msg, fmt.Sprintf("no handler registered for stage %q", msg.Stage), log)
		return
	}

	stop := p.heartbeat(ctx, msg.ID)
	start := time.Now()
	err := p.run(ctx, handler, *msg)
	stop()

	// Use a fresh context so outcomes are recorded during shutdown.
	bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err == nil {
		if aerr := p.queue.Ack(bg, msg.ID); aerr != nil {
			log.Error("ack", zap.Error(aerr))
		}
		telemetry.StageSuccess.WithLabelValues(msg.Stage).Inc()
		log.Debug("message handled", zap.Duration("took", time.Since(start)))
		return
	}

	telemetry.StageFailures.WithLabelValues(msg.Stage).Inc()
	if ctx.Err() != nil {
		// Shutting down: hand the message back straight away.
		if rerr := p.queue.Retry(bg, msg, time.Now(), err.Error()); rerr != nil {
			log.Error("release on shutdown", zap.Error(rerr))
		}
		return
	}

	attempts := msg.Attempts + 1
	var perm permanentError
	if errors.As(err, &perm) || attempts >= p.opts.MaxAttempts {
		p.deadLetter(bg, msg, err.Error(), log)
		return
	}

	backoff := backoffWithJitter(p.opts.BackoffInitial, p.opts.BackoffMax, attempts)
	if rerr := p.queue.Retry(bg, msg, time.Now().Add(backoff), err.Error()); rerr != nil {
		log.Error("schedule retry", zap.Error(rerr))
		return
	}
	telemetry.StageRetries.WithLabelValues(msg.Stage).Inc()
	log.Warn("handler failed, retry scheduled", zap.Error(err), zap.Duration("backoff", backoff))
}

func (p *Processor) run(ctx context.Context, handler Handler, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler(ctx, msg)
}

func (p *Processor) deadLetter(ctx context.Context, msg *queue.Message, reason string, log *zap.Logger) {
	if err := p.queue.DeadLetter(ctx, msg, reason); err != nil {
		log.Error("dead letter", zap.Error(err))
		return
	}
	telemetry.DeadLetters.WithLabelValues(msg.Stage).Inc()
	log.Error("message dead-lettered", zap.String("reason", reason))
	if p.opts.OnDeadLetter != nil {
		if err := p.opts.OnDeadLetter(ctx, msg.Stage, msg.Body, msg.Attempts+1, reason); err != nil {
			log.Error("dead letter hook", zap.Error(err))
		}
	}
}

// heartbeat keeps the lease of a running message alive. The returned func
// stops it.
func (p *Processor) heartbeat(ctx context.Context, id string) func() {
	ttl := p.queue.VisibilityTimeout()
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, id, ttl); err != nil && ctx.Err() == nil {
					p.log.Warn("extend lease", zap.String("message_id", id), zap.Error(err))
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
