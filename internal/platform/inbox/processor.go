package inbox

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
)

const (
	defaultWorkers        = 4
	defaultPollInterval   = time.Second
	defaultMaxAttempts    = 8
	defaultHandlerTimeout = 30 * time.Second
	defaultBatchSize      = 100
	workerQueueSize       = 32
)

// Handler processes one message. Returning an error marked with Permanent dead-letters the message immediately.
type Handler func(ctx context.Context, msg Message) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var target *permanentError
	return errors.As(err, &target)
}

// Recorder observes inbox depth after every dispatch round.
type Recorder interface {
	InboxDepth(state State, n int)
}

// ProcessorConfig tunes the worker pool.
type ProcessorConfig struct {
	Workers        int
	PollInterval   time.Duration
	MaxAttempts    int
	HandlerTimeout time.Duration
	BatchSize      int
	Backoff        gax.Backoff
}

// ProcessorDeps wires collaborators into a Processor.
type ProcessorDeps struct {
	Store    Store
	Handler  Handler
	Config   ProcessorConfig
	Logger   *zap.Logger
	Recorder Recorder
	Clock    func() time.Time
}

// Processor pulls due messages from the store and runs them on a fixed set of workers.
// Messages are sharded by payment id so one payment is never handled concurrently.
type Processor struct {
	store    Store
	handler  Handler
	cfg      ProcessorConfig
	logger   *zap.Logger
	recorder Recorder
	clock    func() time.Time

	notify chan struct{}
	queues []chan Message

	mu       sync.Mutex
	inflight map[string]struct{}
	started  bool

	stopDispatch context.CancelFunc
	dispatchDone chan struct{}
	workCtx      context.Context
	cancelWork   context.CancelFunc
	workers      sync.WaitGroup
	stopOnce     sync.Once
}

// NewProcessor validates deps and applies defaults.
func NewProcessor(deps ProcessorDeps) (*Processor, error) {
	if deps.Store == nil {
		return nil, errors.New("inbox processor: store is required")
	}
	if deps.Handler == nil {
		return nil, errors.New("inbox processor: handler is required")
	}

	cfg := deps.Config
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = time.Second
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = 5 * time.Minute
	}
	if cfg.Backoff.Multiplier < 1 {
		cfg.Backoff.Multiplier = 2
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Processor{
		store:    deps.Store,
		handler:  deps.Handler,
		cfg:      cfg,
		logger:   logger.Named("inbox"),
		recorder: deps.Recorder,
		clock:    func() time.Time { return clock().UTC() },
		notify:   make(chan struct{}, 1),
		inflight: make(map[string]struct{}),
	}, nil
}

// Enqueue persists a new message and wakes the dispatcher.
func (p *Processor) Enqueue(ctx context.Context, kind, paymentID string) (Message, error) {
	msg, err := NewMessage(kind, paymentID, p.clock())
	if err != nil {
		return Message{}, err
	}
	if err := p.store.Put(ctx, msg); err != nil {
		return Message{}, fmt.Errorf("inbox append: %w", err)
	}
	p.Notify()
	return msg, nil
}

// Replay requeues a dead-lettered message.
func (p *Processor) Replay(ctx context.Context, id string) (Message, error) {
	msg, err := Requeue(ctx, p.store, id, p.clock())
	if err != nil {
		return Message{}, err
	}
	p.Notify()
	return msg, nil
}

// List exposes stored messages for operators.
func (p *Processor) List(ctx context.Context, state State, limit int) ([]Message, error) {
	return p.store.List(ctx, state, limit)
}

// Count reports how many stored messages are in state.
func (p *Processor) Count(ctx context.Context, state State) (int, error) {
	return p.store.Count(ctx, state)
}

// Notify wakes the dispatcher without blocking.
func (p *Processor) Notify() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Start launches the dispatcher and workers. It returns immediately.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("inbox processor: already started")
	}
	p.started = true

	p.workCtx, p.cancelWork = context.WithCancel(context.WithoutCancel(ctx))
	dispatchCtx, cancel := context.WithCancel(ctx)
	p.stopDispatch = cancel
	p.dispatchDone = make(chan struct{})

	p.queues = make([]chan Message, p.cfg.Workers)
	for i := range p.queues {
		p.queues[i] = make(chan Message, workerQueueSize)
		p.workers.Add(1)
		go p.runWorker(p.queues[i])
	}
	go p.runDispatcher(dispatchCtx)

	p.logger.Info("inbox processor started", zap.Int("workers", p.cfg.Workers))
	return nil
}

// Stop halts dispatching and waits for in-flight handlers until ctx expires.
// Messages not yet handled stay pending in the store.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil
	}

	var err error
	p.stopOnce.Do(func() {
		p.stopDispatch()
		<-p.dispatchDone
		for _, queue := range p.queues {
			close(queue)
		}

		done := make(chan struct{})
		go func() {
			p.workers.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			p.cancelWork()
			<-done
			err = ctx.Err()
		}
		p.cancelWork()
		p.logger.Info("inbox processor stopped")
	})
	return err
}

func (p *Processor) runDispatcher(ctx context.Context) {
	defer close(p.dispatchDone)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.notify:
		case <-ticker.C:
		}
		p.dispatch(ctx)
	}
}

func (p *Processor) dispatch(ctx context.Context) {
	due, err := p.store.Due(ctx, p.clock(), p.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("inbox scan failed", zap.Error(err))
		}
		return
	}
	for _, msg := range due {
		if !p.claim(msg.ID) {
			continue
		}
		select {
		case p.queues[p.shard(msg.PaymentID)] <- msg:
		case <-ctx.Done():
			p.release(msg.ID)
			return
		}
	}
	p.observeDepth(ctx)
}

func (p *Processor) runWorker(queue <-chan Message) {
	defer p.workers.Done()
	for msg := range queue {
		if p.workCtx.Err() == nil {
			if current, ok := p.reload(msg.ID); ok {
				p.handle(current)
			}
		}
		p.release(msg.ID)
	}
}

// reload re-reads a claimed message; the dispatcher's snapshot may predate a concurrent delete or reschedule.
func (p *Processor) reload(id string) (Message, bool) {
	msg, err := p.store.Get(p.workCtx, id)
	if err != nil {
		if !errors.Is(err, ErrMessageNotFound) {
			p.logger.Warn("inbox reload failed", zap.String("message_id", id), zap.Error(err))
		}
		return Message{}, false
	}
	if msg.State != StatePending || msg.NextAttemptAt.After(p.clock()) {
		return Message{}, false
	}
	return msg, true
}

func (p *Processor) handle(msg Message) {
	ctx, cancel := context.WithTimeout(p.workCtx, p.cfg.HandlerTimeout)
	defer cancel()

	msg.Attempts++
	err := p.handler(ctx, msg)
	if err == nil {
		if delErr := p.store.Delete(p.workCtx, msg.ID); delErr != nil {
			p.logger.Error("inbox delete failed", zap.String("message_id", msg.ID), zap.Error(delErr))
		}
		return
	}

	// Shutdown interrupted the handler; leave the message for the next run.
	if p.workCtx.Err() != nil {
		return
	}

	msg.LastError = err.Error()
	fields := []zap.Field{
		zap.String("message_id", msg.ID),
		zap.String("payment_id", msg.PaymentID),
		zap.Int("attempts", msg.Attempts),
		zap.Error(err),
	}
	if IsPermanent(err) || msg.Attempts >= p.cfg.MaxAttempts {
		msg.State = StateDead
		p.logger.Warn("inbox message dead-lettered", fields...)
	} else {
		msg.NextAttemptAt = p.clock().Add(p.delay(msg.Attempts))
		p.logger.Info("inbox message rescheduled", append(fields, zap.Time("next_attempt_at", msg.NextAttemptAt))...)
	}
	if putErr := p.store.Put(p.workCtx, msg); putErr != nil {
		p.logger.Error("inbox update failed", zap.String("message_id", msg.ID), zap.Error(putErr))
	}
}

// delay returns the jittered backoff for the given attempt number.
func (p *Processor) delay(attempt int) time.Duration {
	bo := gax.Backoff{
		Initial:    p.cfg.Backoff.Initial,
		Max:        p.cfg.Backoff.Max,
		Multiplier: p.cfg.Backoff.Multiplier,
	}
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = bo.Pause()
	}
	return d
}

func (p *Processor) shard(paymentID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(paymentID))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *Processor) claim(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[id]; busy {
		return false
	}
	p.inflight[id] = struct{}{}
	return true
}

func (p *Processor) release(id string) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}

func (p *Processor) observeDepth(ctx context.Context) {
	if p.recorder == nil {
		return
	}
	for _, state := range []State{StatePending, StateDead} {
		n, err := p.store.Count(ctx, state)
		if err != nil {
			return
		}
		p.recorder.InboxDepth(state, n)
	}
}
