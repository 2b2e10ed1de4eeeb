package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/AlanLeo32/kipubankv3/internal/event"
	"github.com/AlanLeo32/kipubankv3/internal/observability"
)

const (
	// StreamName is the JetStream stream holding outbound vault events.
	StreamName = "KIPU_VAULT_EVENTS"

	subjectPrefix = "kipu.vault.events"
)

// Publisher forwards committed-state events to NATS for downstream
// consumers. Publishing is best effort: the durable log in Postgres is the
// source of truth, so a failed publish is logged and skipped, never retried
// at the cost of blocking settlement.
type Publisher struct {
	js      jetstream.JetStream
	events  <-chan event.Envelope
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewPublisher(js jetstream.JetStream, events <-chan event.Envelope, metrics *observability.Metrics) *Publisher {
	return &Publisher{
		js:      js,
		events:  events,
		logger:  observability.NewLogger("stream"),
		metrics: metrics,
	}
}

// Run drains the event channel until the context ends or the channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-p.events:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, env); err != nil {
				p.logger.Warn().
					Err(err).
					Str("event_id", env.EventID.String()).
					Str("event_type", env.EventType).
					Msg("outbound publish failed")
				if p.metrics != nil {
					p.metrics.PublishErrors.Inc()
				}
				continue
			}
			if p.metrics != nil {
				p.metrics.EventsPublished.WithLabelValues(env.EventType).Inc()
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", subjectPrefix, env.EventType)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates or updates the outbound events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
