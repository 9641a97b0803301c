package store

import (
	"context"
	"sync"
	"time"

	"papertrade/internal/logger"
	"papertrade/internal/pkg/circuit"
)

// PersistOp is one pending write handed to the persister.
type PersistOp struct {
	Name string
	Do   func(ctx context.Context) error
}

// RetryPersister drains persistence work on its own goroutine so the
// ledger actor never blocks on disk. Each op is retried with doubling
// backoff up to MaxAttempts; an op that exhausts its attempts is logged
// and dropped, in-memory state stays authoritative.
type RetryPersister struct {
	queue   chan PersistOp
	breaker *circuit.Breaker

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}

	mu      sync.Mutex
	dropped int64
}

type PersisterOptions struct {
	QueueSize   int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func NewRetryPersister(opts PersisterOptions) *RetryPersister {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Second
	}
	return &RetryPersister{
		queue:       make(chan PersistOp, opts.QueueSize),
		breaker:     circuit.NewBreaker("persistence", opts.MaxAttempts, opts.MaxDelay),
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		stopped:     make(chan struct{}),
	}
}

// Start launches the drain loop. It returns once the loop is running.
func (p *RetryPersister) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				p.drainRemaining()
				return
			case <-p.stopped:
				p.drainRemaining()
				return
			case op := <-p.queue:
				p.run(ctx, op)
			}
		}
	}()
}

// Enqueue hands an op to the persister. When the queue is full the op
// is dropped with a warning rather than stalling the caller.
func (p *RetryPersister) Enqueue(op PersistOp) {
	select {
	case p.queue <- op:
	default:
		p.recordDrop()
		logger.Warnf("persister: queue full, dropping %s", op.Name)
	}
}

// Stop shuts the drain loop down after flushing whatever is queued.
func (p *RetryPersister) Stop() {
	p.stopOnce.Do(func() { close(p.stopped) })
	p.wg.Wait()
}

// Dropped reports how many ops were lost to a full queue or exhausted retries.
func (p *RetryPersister) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *RetryPersister) run(ctx context.Context, op PersistOp) {
	delay := p.baseDelay
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if !p.breaker.Allow() {
			// Breaker is open: the backend is already known bad, wait out
			// the cooldown instead of burning attempts.
			if !sleepCtx(ctx, delay) {
				p.recordDrop()
				return
			}
			continue
		}
		err := op.Do(ctx)
		if err == nil {
			p.breaker.RecordSuccess()
			return
		}
		p.breaker.RecordFailure()
		if attempt == p.maxAttempts {
			break
		}
		logger.Debugf("persister: %s attempt %d/%d failed: %v", op.Name, attempt, p.maxAttempts, err)
		if !sleepCtx(ctx, delay) {
			p.recordDrop()
			return
		}
		delay *= 2
		if delay > p.maxDelay {
			delay = p.maxDelay
		}
	}
	p.recordDrop()
	logger.Warnf("persister: giving up on %s after %d attempts", op.Name, p.maxAttempts)
}

// drainRemaining gives queued ops one final attempt each, no backoff.
func (p *RetryPersister) drainRemaining() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		select {
		case op := <-p.queue:
			if err := op.Do(ctx); err != nil {
				p.recordDrop()
				logger.Warnf("persister: flush of %s failed: %v", op.Name, err)
			}
		default:
			return
		}
	}
}

func (p *RetryPersister) recordDrop() {
	p.mu.Lock()
	p.dropped++
	p.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
