package main

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hiran-hiran/outbox"
	"github.com/hiran-hiran/outbox/internal/config"
	"github.com/hiran-hiran/outbox/lock/redislock"
	"github.com/hiran-hiran/outbox/sink/amqpsink"
	"github.com/hiran-hiran/outbox/sink/kafkasink"
	"github.com/hiran-hiran/outbox/sink/memory"
	"github.com/hiran-hiran/outbox/sink/natssink"
	"github.com/hiran-hiran/outbox/sink/redissink"
)

func openSink(ctx context.Context, cfg config.Config, logger *zap.Logger, cleanup *closers) (outbox.EventPublisher, error) {
	switch cfg.Sink {
	case config.SinkKafka:
		writer := kafkasink.NewWriter(cfg.KafkaBrokers)
		cleanup.add("kafka", func(context.Context) error { return writer.Close() })

		var opts []kafkasink.Option
		if cfg.KafkaTopic != "" {
			opts = append(opts, kafkasink.WithTopic(cfg.KafkaTopic))
		}
		if cfg.KafkaTopicPrefix != "" {
			opts = append(opts, kafkasink.WithTopicPrefix(cfg.KafkaTopicPrefix))
		}
		return kafkasink.NewPublisher(writer, opts...), nil

	case config.SinkAMQP:
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			return nil, err
		}
		cleanup.add("amqp", func(context.Context) error { return conn.Close() })

		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		cleanup.add("amqp_channel", func(context.Context) error { return ch.Close() })

		var opts []amqpsink.Option
		if cfg.AMQPExchange != "" {
			opts = append(opts, amqpsink.WithExchange(cfg.AMQPExchange))
		}
		if cfg.AMQPQueue != "" {
			if _, err := ch.QueueDeclare(cfg.AMQPQueue, true, false, false, false, nil); err != nil {
				return nil, fmt.Errorf("declare queue %s: %w", cfg.AMQPQueue, err)
			}
			opts = append(opts, amqpsink.WithQueue(cfg.AMQPQueue))
		}
		return amqpsink.NewPublisher(ch, opts...), nil

	case config.SinkNATS:
		nc, err := nats.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName))
		if err != nil {
			return nil, err
		}
		cleanup.add("nats", func(context.Context) error { return nc.Drain() })

		opts := []natssink.Option{natssink.WithSubjectPrefix(cfg.NATSSubjectPrefix)}
		if cfg.NATSJetStream {
			js, err := nc.JetStream()
			if err != nil {
				return nil, err
			}
			return natssink.NewJetStreamPublisher(js, opts...), nil
		}
		return natssink.NewPublisher(nc, opts...), nil

	case config.SinkRedis:
		client := newRedisClient(cfg)
		cleanup.add("redis_sink", func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		opts := []redissink.Option{redissink.WithMaxLen(cfg.RedisStreamMaxLen)}
		if cfg.RedisStream != "" {
			opts = append(opts, redissink.WithStream(cfg.RedisStream))
		}
		if cfg.RedisStreamPrefix != "" {
			opts = append(opts, redissink.WithStreamPrefix(cfg.RedisStreamPrefix))
		}
		return redissink.NewPublisher(client, opts...), nil

	default:
		return newLogSink(logger), nil
	}
}

// newLogSink logs every relayed event. The bus keeps no history, so it can run
// for the life of the process.
func newLogSink(logger *zap.Logger) *memory.Bus {
	bus := memory.NewBus()
	bus.Subscribe(memory.AllEvents, func(_ context.Context, event *outbox.Event) error {
		logger.Info("event_relayed",
			zap.String("event_id", event.ID().String()),
			zap.String("event_type", event.EventType()),
			zap.String("aggregate_type", event.AggregateType()),
			zap.String("aggregate_id", event.AggregateID()),
			zap.Int("payload_bytes", len(event.Payload())),
		)
		return nil
	})
	return bus
}

func openLocker(cfg config.Config, cleanup *closers) (*redislock.Lock, error) {
	client := newRedisClient(cfg)
	cleanup.add("redis_lock", func(context.Context) error { return client.Close() })
	return redislock.New(client, cfg.LockKey, cfg.LockTTL)
}

func newRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}
