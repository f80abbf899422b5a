package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/cabril87/100-days-of-fullstack-sub005/domain"
)

// EventHandler receives inbound collaborator events after duplicate
// screening.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev domain.Event) error
}

// Notifier is nudged after an inbound event lands so stream subscribers
// re-read their board.
type Notifier interface {
	Notify(boardID string)
}

// Subscriber listens on the Redis update channels of mounted boards and feeds
// received events through the deduper into the handler. Boards join and leave
// the subscription as they are mounted and unmounted.
type Subscriber struct {
	handler       EventHandler
	dedupe        *RedisDeduper
	notifier      Notifier
	prefix        string
	handleTimeout time.Duration
	logger        *log.Logger

	pubsub *redis.PubSub
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSubscriber opens the pub/sub connection and starts the receive loop.
// The deduper and notifier may be nil.
func NewSubscriber(client *redis.Client, handler EventHandler, dedupe *RedisDeduper, notifier Notifier, prefix string, handleTimeout time.Duration, logger *log.Logger) *Subscriber {
	if client == nil {
		panic("redis client is required")
	}
	if handler == nil {
		panic("event handler is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if handleTimeout <= 0 {
		handleTimeout = 30 * time.Second
	}

	s := &Subscriber{
		handler:       handler,
		dedupe:        dedupe,
		notifier:      notifier,
		prefix:        prefix,
		handleTimeout: handleTimeout,
		logger:        logger,
		pubsub:        client.Subscribe(bg),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Subscribe joins the update channel of the board.
func (s *Subscriber) Subscribe(ctx context.Context, boardID string) error {
	return s.pubsub.Subscribe(ctx, channelName(s.prefix, boardID))
}

// Unsubscribe leaves the update channel of the board.
func (s *Subscriber) Unsubscribe(ctx context.Context, boardID string) error {
	return s.pubsub.Unsubscribe(ctx, channelName(s.prefix, boardID))
}

// Close stops the receive loop and waits for it to exit.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		if err := s.pubsub.Close(); err != nil {
			s.logger.WithError(err).Warn("closing board update subscription failed")
		}
	})
	s.wg.Wait()
}

func (s *Subscriber) run() {
	defer s.wg.Done()
	ch := s.pubsub.Channel()
	for msg := range ch {
		s.handleMessage(msg.Payload)
	}
	s.logger.Info("board update channel closed, exiting subscriber loop")
}

func (s *Subscriber) handleMessage(payload string) {
	var ev domain.Event
	if err := sonic.Unmarshal([]byte(payload), &ev); err != nil {
		s.logger.WithError(err).Error("unable to parse board event")
		return
	}
	if ev.ID == "" || ev.BoardID == "" {
		s.logger.WithField("type", ev.Type).Debug("skipping event without id or board")
		return
	}

	if s.dedupe != nil {
		fresh, err := s.dedupe.Add(bg, ev.BoardID, ev.ID)
		if err != nil {
			s.logger.WithError(err).WithField("event_id", ev.ID).Warn("dedupe check failed, processing anyway")
		} else if !fresh {
			s.logger.WithField("event_id", ev.ID).Debug("skipping duplicate event delivery")
			return
		}
	}

	ctx, cancel := context.WithTimeout(bg, s.handleTimeout)
	defer cancel()
	if err := s.handler.HandleEvent(ctx, ev); err != nil {
		if s.dedupe != nil {
			if rerr := s.dedupe.Remove(bg, ev.BoardID, ev.ID); rerr != nil {
				s.logger.WithError(rerr).WithField("event_id", ev.ID).Error("dedupe rollback failed")
			}
		}
		s.logger.WithError(err).WithFields(log.Fields{
			"board_id": ev.BoardID,
			"event_id": ev.ID,
			"type":     ev.Type,
		}).Error("handling board event failed")
		return
	}

	if s.notifier != nil {
		s.notifier.Notify(ev.BoardID)
	}
}
