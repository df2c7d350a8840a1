package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"PowerPerp/internal/core"
	"PowerPerp/internal/event"
	"PowerPerp/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher is the slice of jetstream.JetStream the outbound side uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed envelopes after the persistence
// worker has made them durable. Subjects:
//
//	powerperp.events.{EventType}
//	powerperp.events.{EventType}.vault.{id}
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

// PublishedEvent is the outbound wire form of one envelope.
type PublishedEvent struct {
	Sequence       int64           `json:"sequence"`
	OperationID    string          `json:"operation_id"`
	Operation      string          `json:"operation"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	VaultID        *uint64         `json:"vault_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js Publisher, inputChan <-chan core.CoreOutput) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    observability.NewLogger("publisher"),
	}
}

// WithLogger replaces the component logger.
func (op *OutboundPublisher) WithLogger(l zerolog.Logger) *OutboundPublisher {
	op.logger = l
	return op
}

// Run publishes until ctx is cancelled or the channel closes. Failures
// are logged and skipped; consumers can read the event log directly.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			for _, env := range out.Envelopes {
				if err := op.Publish(ctx, out.Op, env); err != nil {
					op.logger.Warn().Err(err).Int64("seq", env.Sequence).Msg("outbound publish failed")
				}
			}
		}
	}
}

// Publish sends one envelope. The sequence is the JetStream message id so
// a redelivered unit is deduplicated by the stream.
func (op *OutboundPublisher) Publish(ctx context.Context, operation string, env *event.EventEnvelope) error {
	data, err := json.Marshal(PublishedEvent{
		Sequence:       env.Sequence,
		OperationID:    env.OperationID.String(),
		Operation:      operation,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		VaultID:        env.VaultID,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope %d: %w", env.Sequence, err)
	}

	_, err = op.js.Publish(ctx, OutboundSubject(env), data,
		jetstream.WithMsgID(strconv.FormatInt(env.Sequence, 10)))
	return err
}

// OutboundSubject returns the subject an envelope is published on.
func OutboundSubject(env *event.EventEnvelope) string {
	subject := "powerperp.events." + env.EventType.String()
	if env.VaultID != nil {
		subject += ".vault." + strconv.FormatUint(*env.VaultID, 10)
	}
	return subject
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       "POWERPERP_EVENTS",
		Subjects:   []string{"powerperp.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
