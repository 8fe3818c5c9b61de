// Package ingestion is the shell around the core: NATS JetStream in,
// typed commands to the core channel, enveloped events back out.
package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PoolPerp/internal/observability"
)

// NATSSubscriber subscribes to JetStream subjects and feeds raw commands to
// the parsing stage. Each subject maps to one command type.
type NATSSubscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawCommand
	consumers   []jetstream.ConsumeContext
	log         zerolog.Logger
}

// RawCommand is the undecoded message from NATS. The shell parses and
// validates it into a core.Command before the core sees it.
type RawCommand struct {
	Subject     string
	CommandType string
	Data        []byte
	AckFunc     func()
	NakFunc     func()
}

// SubjectConfig maps one NATS subject to a command type.
type SubjectConfig struct {
	Subject      string
	CommandType  string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject layout. Order flow, execution
// passes, risk keepers, and fund transfers each get their own subject so
// they scale independently.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "pool.orders.submit.>", CommandType: "SubmitOrder", ConsumerName: "pool-orders-submit", StreamName: "POOL_ORDERS"},
		{Subject: "pool.orders.cancel.>", CommandType: "CancelOrder", ConsumerName: "pool-orders-cancel", StreamName: "POOL_ORDERS"},
		{Subject: "pool.exec.run.>", CommandType: "ExecuteOrders", ConsumerName: "pool-exec-run", StreamName: "POOL_EXEC"},
		{Subject: "pool.exec.accrue.>", CommandType: "AccrueFees", ConsumerName: "pool-exec-accrue", StreamName: "POOL_EXEC"},
		{Subject: "pool.risk.liquidate.>", CommandType: "LiquidatePosition", ConsumerName: "pool-risk-liquidate", StreamName: "POOL_RISK"},
		{Subject: "pool.risk.adl.state.>", CommandType: "UpdateAdlState", ConsumerName: "pool-risk-adl-state", StreamName: "POOL_RISK"},
		{Subject: "pool.risk.adl.execute.>", CommandType: "ExecuteAdl", ConsumerName: "pool-risk-adl-exec", StreamName: "POOL_RISK"},
		{Subject: "pool.funds.deposit.>", CommandType: "Deposit", ConsumerName: "pool-funds-deposit", StreamName: "POOL_FUNDS"},
		{Subject: "pool.funds.withdraw.>", CommandType: "Withdraw", ConsumerName: "pool-funds-withdraw", StreamName: "POOL_FUNDS"},
		{Subject: "pool.funds.claim.>", CommandType: "ClaimHeldFunds", ConsumerName: "pool-funds-claim", StreamName: "POOL_FUNDS"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, commandChan chan<- RawCommand) *NATSSubscriber {
	return &NATSSubscriber{
		js:          js,
		commandChan: commandChan,
		log:         observability.NewLogger("nats-subscriber"),
	}
}

// Subscribe creates durable JetStream consumers for all configured subjects.
// Explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		commandType := cfg.CommandType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:     msg.Subject(),
				CommandType: commandType,
				Data:        msg.Data(),
				AckFunc:     func() { msg.Ack() },
				NakFunc:     func() { msg.Nak() },
			}

			select {
			case ns.commandChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
// FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "POOL_ORDERS",
			Subjects:  []string{"pool.orders.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "POOL_EXEC",
			Subjects:  []string{"pool.exec.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "POOL_RISK",
			Subjects:  []string{"pool.risk.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "POOL_FUNDS",
			Subjects:  []string{"pool.funds.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	log := observability.NewLogger("nats-streams")
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("stream ensured")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	log := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
