package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	operationTimeout = 30 * time.Second
	publishTimeout   = 5 * time.Second
)

// NATSPublisher publishes execution events to a JetStream stream
type NATSPublisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewNATSPublisher creates the publisher and ensures the stream exists
func NewNATSPublisher(js nats.JetStreamContext, logger *zap.Logger) (*NATSPublisher, error) {
	p := &NATSPublisher{
		js:     js,
		logger: logger.Named("event-publisher"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := p.setupStream(ctx); err != nil {
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}
	return p, nil
}

func (p *NATSPublisher) setupStream(ctx context.Context) error {
	cfg := &nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{streamSubjects},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Discard:    nats.DiscardOld,
		MaxAge:     streamMaxAge,
		MaxMsgs:    streamMaxMsgs,
		Duplicates: time.Hour,
	}

	_, err := p.js.AddStream(cfg, nats.Context(ctx))
	if err == nil {
		p.logger.Info("Stream created successfully", zap.String("stream", StreamName))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return err
	}

	if _, err := p.js.UpdateStream(cfg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", StreamName, err)
	}
	p.logger.Info("Stream already exists, configuration updated", zap.String("stream", StreamName))
	return nil
}

// PublishExecution implements Publisher
func (p *NATSPublisher) PublishExecution(ctx context.Context, event *ExecutionEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	opts := []nats.PubOpt{nats.Context(ctx)}
	if event.Execution != nil {
		opts = append(opts, nats.MsgId(event.Execution.ID+"."+string(event.Type)))
	}

	if _, err := p.js.Publish(event.Subject(), data, opts...); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}

	p.logger.Debug("Execution event published",
		zap.String("subject", event.Subject()),
		zap.String("job_name", jobName(event)))
	return nil
}

// PublishRaw publishes an already encoded payload on a subject of the stream
func (p *NATSPublisher) PublishRaw(ctx context.Context, subject string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// SubscribeFinished delivers finished events to handler until the returned
// subscription is drained. Subscribers sharing a durable name split the
// events between them.
func (p *NATSPublisher) SubscribeFinished(durable string, handler func(*ExecutionEvent)) (*nats.Subscription, error) {
	sub, err := p.js.QueueSubscribe(SubjectExecutionFinished, durable, func(msg *nats.Msg) {
		var event ExecutionEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			p.logger.Error("Failed to unmarshal execution event", zap.Error(err))
			msg.Term()
			return
		}
		handler(&event)
		if err := msg.Ack(); err != nil {
			p.logger.Error("Failed to acknowledge message", zap.Error(err))
		}
	}, nats.Durable(durable), nats.ManualAck(), nats.DeliverNew())
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", SubjectExecutionFinished, err)
	}
	return sub, nil
}

func jobName(e *ExecutionEvent) string {
	if e.Execution == nil {
		return ""
	}
	return e.Execution.JobName
}
