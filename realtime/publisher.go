package realtime

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/cabril87/100-days-of-fullstack-sub005/domain"
)

var bg = context.Background()

// DefaultChannelPrefix is prepended to the board ID to form the pub/sub
// channel name when no prefix is configured.
const DefaultChannelPrefix = "board-events"

func channelName(prefix, boardID string) string {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return prefix + ":" + boardID
}

// DurableQueue is the persistent leg of event publishing. Events land there
// for platform consumers even when no collaborator is subscribed to the
// update channel.
type DurableQueue interface {
	EnqueueEvents(ctx context.Context, events []domain.Event) error
}

// PublisherConfig tunes the asynchronous publish pool. Zero values fall back
// to defaults. A negative HandoffTimeout makes Publish hand off without
// waiting for pool capacity.
type PublisherConfig struct {
	ChannelPrefix  string
	BufferSize     int
	WorkerCount    int
	BatchSize      int
	FlushInterval  time.Duration
	PublishTimeout time.Duration
	HandoffTimeout time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration
	MaxAttempts    int
}

type publishJob struct {
	event     domain.Event
	payload   []byte
	attempt   int
	published bool
	enqueued  bool
}

// Publisher delivers board events to the Redis update channel and the durable
// queue from a bounded worker pool, so confirming a move never waits on the
// network fan-out. When the pool is saturated the event is delivered inline
// on the caller instead of being dropped.
type Publisher struct {
	cfg     PublisherConfig
	redis   *redis.Client
	durable DurableQueue
	logger  *log.Logger

	workCh   chan *publishJob
	stopCh   chan struct{}
	workerWG sync.WaitGroup
	retryWG  sync.WaitGroup

	mu        sync.Mutex
	closing   bool
	delivered atomic.Uint64
}

// NewPublisher starts the publish pool. Close releases it.
func NewPublisher(client *redis.Client, durable DurableQueue, cfg PublisherConfig, logger *log.Logger) *Publisher {
	if client == nil {
		panic("redis client is required")
	}
	if durable == nil {
		panic("durable queue is required")
	}
	if logger == nil {
		panic("logger is required")
	}

	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = DefaultChannelPrefix
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.WorkerCount * cfg.BatchSize * 2
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Millisecond
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 30 * time.Second
	}
	if cfg.HandoffTimeout == 0 {
		cfg.HandoffTimeout = 25 * time.Millisecond
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 250 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}

	p := &Publisher{
		cfg:     cfg,
		redis:   client,
		durable: durable,
		logger:  logger,
		workCh:  make(chan *publishJob, cfg.BufferSize),
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < cfg.WorkerCount; i++ {
		p.workerWG.Add(1)
		go p.worker()
	}
	return p
}

// Publish stamps the event time and hands the event to the pool. On
// saturation or shutdown it delivers inline with the caller's context so the
// event is never silently lost.
func (p *Publisher) Publish(ctx context.Context, ev domain.Event) error {
	if ev.BoardID == "" {
		return errors.New("event is missing a board id")
	}
	if ev.Time == 0 {
		ev.Time = nextTimestamp()
	}
	payload, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}

	job := &publishJob{event: ev, payload: payload}
	if p.tryDispatch(job) {
		return nil
	}
	if _, err := p.processBatch(ctx, []*publishJob{job}); err != nil {
		return err
	}
	return nil
}

// Delivered reports how many events completed both delivery legs.
func (p *Publisher) Delivered() uint64 {
	return p.delivered.Load()
}

// Close drains scheduled retries and the pool, then stops the workers.
// Publish calls racing Close fall back to inline delivery.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return
	}
	p.closing = true
	close(p.stopCh)
	p.mu.Unlock()

	p.retryWG.Wait()
	close(p.workCh)
	p.workerWG.Wait()
}

func (p *Publisher) tryDispatch(job *publishJob) bool {
	if ok, closed := trySendNonBlocking(p.workCh, job); closed {
		return false
	} else if ok {
		return true
	}

	if p.cfg.HandoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(p.cfg.HandoffTimeout)
	defer timer.Stop()

	ok, closed := sendWithTimer(p.workCh, job, timer.C)
	if closed {
		return false
	}
	return ok
}

func trySendNonBlocking(ch chan *publishJob, job *publishJob) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(ch chan *publishJob, job *publishJob, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	case <-timer:
		return false, false
	}
}

func (p *Publisher) worker() {
	defer p.workerWG.Done()

	batch := make([]*publishJob, 0, p.cfg.BatchSize)
	timer := time.NewTimer(p.cfg.FlushInterval)
	defer timer.Stop()
	for {
		job, ok := <-p.workCh
		if !ok {
			return
		}
		batch = append(batch, job)
		timer.Reset(p.cfg.FlushInterval)

	gather:
		for len(batch) < p.cfg.BatchSize {
			select {
			case next, ok := <-p.workCh:
				if !ok {
					break gather
				}
				batch = append(batch, next)
			case <-timer.C:
				break gather
			}
		}

		p.flushBatch(batch)
		batch = batch[:0]
	}
}

func (p *Publisher) flushBatch(batch []*publishJob) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(bg, p.cfg.PublishTimeout)
	defer cancel()

	failures, _ := p.processBatch(ctx, batch)
	for _, job := range failures {
		if job.attempt >= p.cfg.MaxAttempts {
			p.logger.WithFields(log.Fields{
				"board_id": job.event.BoardID,
				"event_id": job.event.ID,
				"attempts": job.attempt,
			}).Error("giving up on board event delivery")
			continue
		}
		p.scheduleRetry(job)
	}
}

// processBatch runs both delivery legs for the batch, skipping legs that
// already succeeded on an earlier attempt. It returns the jobs that still
// have a pending leg and the first error encountered.
func (p *Publisher) processBatch(ctx context.Context, batch []*publishJob) ([]*publishJob, error) {
	var firstErr error
	failed := make(map[*publishJob]struct{})

	for _, job := range batch {
		if job.published {
			continue
		}
		channel := channelName(p.cfg.ChannelPrefix, job.event.BoardID)
		if err := p.redis.Publish(ctx, channel, job.payload).Err(); err != nil {
			failed[job] = struct{}{}
			if firstErr == nil {
				firstErr = err
			}
			p.logger.WithError(err).WithFields(log.Fields{
				"board_id": job.event.BoardID,
				"event_id": job.event.ID,
				"attempt":  job.attempt,
			}).Error("publishing board event to update channel failed")
		} else {
			job.published = true
		}
	}

	pending := make([]*publishJob, 0, len(batch))
	events := make([]domain.Event, 0, len(batch))
	for _, job := range batch {
		if job.enqueued {
			continue
		}
		pending = append(pending, job)
		events = append(events, job.event)
	}
	if len(events) > 0 {
		if err := p.durable.EnqueueEvents(ctx, events); err != nil {
			for _, job := range pending {
				failed[job] = struct{}{}
			}
			if firstErr == nil {
				firstErr = err
			}
			p.logger.WithError(err).Errorf("enqueueing %d board events to the durable queue failed", len(events))
		} else {
			for _, job := range pending {
				job.enqueued = true
			}
		}
	}

	out := make([]*publishJob, 0, len(failed))
	for _, job := range batch {
		if _, ok := failed[job]; ok {
			job.attempt++
			out = append(out, job)
		} else {
			p.delivered.Add(1)
		}
	}
	return out, firstErr
}

func (p *Publisher) scheduleRetry(job *publishJob) {
	delay := exponentialBackoff(job.attempt, p.cfg.RetryInitial, p.cfg.RetryMax)
	p.retryWG.Add(1)
	timer := time.NewTimer(delay)
	go func(j *publishJob) {
		defer p.retryWG.Done()
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case p.workCh <- j:
			case <-p.stopCh:
				p.logRetryDrop(j)
			}
		case <-p.stopCh:
			p.logRetryDrop(j)
		}
	}(job)
}

func (p *Publisher) logRetryDrop(job *publishJob) {
	p.logger.WithFields(log.Fields{
		"board_id": job.event.BoardID,
		"event_id": job.event.ID,
	}).Warn("publisher shutting down, dropping event retry")
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		if initial <= 0 {
			return time.Second
		}
		return initial
	}
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

var lastTimestamp int64

// nextTimestamp returns a strictly increasing nanosecond timestamp so events
// published in quick succession never share a time.
func nextTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now) {
			return now
		}
	}
}
