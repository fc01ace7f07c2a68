package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/observability"
)

const attemptEventBufferSize = 16

// AttemptEvents fans attempt changes out to websocket subscribers on every
// node. Redis pub/sub and NATS are optional transports between nodes.
type AttemptEvents interface {
	Publish(ctx context.Context, event dto.AttemptEvent)
	Subscribe(learnerID, problemID string) (<-chan dto.AttemptEvent, func())
	Start(ctx context.Context)
}

type attemptEvents struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	broker       *attemptBroker
	nodeID       string
}

type attemptEnvelope struct {
	Source string           `json:"source"`
	Event  dto.AttemptEvent `json:"event"`
}

type attemptBroker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan dto.AttemptEvent]struct{}
}

// NewAttemptEvents constructs the event fan-out. channelBase such as
// "gema:grading" yields the redis channel "gema:grading:attempts" and the
// NATS subject "gema.grading.attempts".
func NewAttemptEvents(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, logger zerolog.Logger) AttemptEvents {
	channel, subject := "", ""
	if channelBase != "" {
		channel = channelBase + ":attempts"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".attempts"
	}
	return &attemptEvents{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "attempt_events").Logger(),
		broker:       &attemptBroker{subscribers: make(map[string]map[chan dto.AttemptEvent]struct{})},
		nodeID:       uuid.NewString(),
	}
}

func (e *attemptEvents) Start(ctx context.Context) {
	if e.redis != nil && e.redisChannel != "" {
		go e.consumeRedis(ctx)
	}
	if e.nats != nil && e.natsSubject != "" {
		e.consumeNATS(ctx)
	}
}

func (e *attemptEvents) Publish(ctx context.Context, event dto.AttemptEvent) {
	if event.SentAt.IsZero() {
		event.SentAt = time.Now().UTC()
	}
	e.broker.broadcast(event)
	observability.AttemptEvents().WithLabelValues(event.Type).Inc()

	payload, err := json.Marshal(attemptEnvelope{Source: e.nodeID, Event: event})
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to encode attempt event")
		return
	}
	if e.redis != nil && e.redisChannel != "" {
		if err := e.redis.Publish(ctx, e.redisChannel, payload).Err(); err != nil {
			e.logger.Warn().Err(err).Msg("failed to publish attempt event to redis")
		}
	}
	if e.nats != nil && e.natsSubject != "" {
		if err := e.nats.Publish(e.natsSubject, payload); err != nil {
			e.logger.Warn().Err(err).Msg("failed to publish attempt event to nats")
		}
	}
}

func (e *attemptEvents) Subscribe(learnerID, problemID string) (<-chan dto.AttemptEvent, func()) {
	channel := make(chan dto.AttemptEvent, attemptEventBufferSize)
	key := subscriberKey(learnerID, problemID)
	e.broker.subscribe(key, channel)
	observability.WebsocketClients().Inc()

	var once sync.Once
	return channel, func() {
		once.Do(func() {
			e.broker.unsubscribe(key, channel)
			observability.WebsocketClients().Dec()
		})
	}
}

func (e *attemptEvents) consumeRedis(ctx context.Context) {
	pubsub := e.redis.Subscribe(ctx, e.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			e.logger.Error().Err(err).Msg("attempt event redis subscription closed")
			return
		}
		e.handleEnvelope([]byte(msg.Payload))
	}
}

func (e *attemptEvents) consumeNATS(ctx context.Context) {
	sub, err := e.nats.Subscribe(e.natsSubject, func(msg *nats.Msg) {
		e.handleEnvelope(msg.Data)
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to subscribe to nats attempt subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			e.logger.Warn().Err(err).Msg("failed to drain attempt nats subscription")
		}
	}()
}

func (e *attemptEvents) handleEnvelope(payload []byte) {
	var envelope attemptEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		e.logger.Warn().Err(err).Msg("invalid attempt event payload")
		return
	}
	if envelope.Source == e.nodeID {
		return
	}
	e.broker.broadcast(envelope.Event)
}

func subscriberKey(learnerID, problemID string) string {
	return learnerID + "|" + problemID
}

func (b *attemptBroker) subscribe(key string, ch chan dto.AttemptEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[chan dto.AttemptEvent]struct{})
	}
	b.subscribers[key][ch] = struct{}{}
}

func (b *attemptBroker) unsubscribe(key string, ch chan dto.AttemptEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[key]; ok {
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, key)
		}
	}
}

func (b *attemptBroker) broadcast(event dto.AttemptEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[subscriberKey(event.LearnerID, event.ProblemID)] {
		select {
		case ch <- event:
		default:
		}
	}
}
