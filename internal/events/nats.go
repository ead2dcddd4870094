package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bcrosbie/agentexchange/internal/logger"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	streamName   = "AGX_EXECUTIONS"
	consumerName = "agx-reputation"
)

// NATSBus publishes execution events to a JetStream stream so every service
// instance's reputation worker sees them exactly once per durable consumer.
type NATSBus struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	log *slog.Logger
}

func ConnectNATS(ctx context.Context, url string, log *slog.Logger) (*NATSBus, error) {
	log = logger.OrDefault(log).With("component", "events")

	nc, err := nats.Connect(url, nats.Name("agentexchange"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"agx.executions.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	log.Info("nats connected", "url", url, "stream", streamName)
	return &NATSBus{nc: nc, js: js, log: log}, nil
}

func (b *NATSBus) PublishExecutionSealed(ctx context.Context, event ExecutionSealed) error {
	data, err := encode(event)
	if err != nil {
		return fmt.Errorf("encode execution event: %w", err)
	}
	if _, err := b.js.Publish(ctx, SubjectExecutionSealed, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", SubjectExecutionSealed, err)
	}
	return nil
}

func (b *NATSBus) SubscribeExecutionSealed(ctx context.Context, handler Handler) (func(), error) {
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: SubjectExecutionSealed,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		event, err := decode(msg.Data())
		if err != nil {
			b.log.Error("dropping undecodable event", "subject", msg.Subject(), "err", err)
			if termErr := msg.Term(); termErr != nil {
				b.log.Error("nats term failed", "err", termErr)
			}
			return
		}
		if err := handler(ctx, event); err != nil {
			b.log.Error("event handler failed", "subject", msg.Subject(), "execution_id", event.ExecutionID, "err", err)
			if nakErr := msg.Nak(); nakErr != nil {
				b.log.Error("nats nak failed", "err", nakErr)
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			b.log.Error("nats ack failed", "err", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}
	return cons.Stop, nil
}

func (b *NATSBus) Close() error {
	b.nc.Close()
	return nil
}
