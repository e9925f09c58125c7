// Package kafkaconsumer consumes catalog invalidation events from Kafka and
// applies them to the cache.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/atlaseo/eogrid/internal/invalidation"
	"github.com/atlaseo/eogrid/internal/metrics"
)

// Invalidator drops the cache entries one catalog change dirties.
type Invalidator interface {
	Invalidate(ctx context.Context, collection, version string) error
}

type Config struct {
	Brokers             []string
	Topic               string
	GroupID             string
	SessionTimeout      time.Duration
	Heartbeat           time.Duration
	RebalanceTimeout    time.Duration
	InitialOffsetOldest bool
}

type Consumer struct {
	cfg   Config
	log   zerolog.Logger
	cache Invalidator
	obs   *metrics.Metrics
}

func New(cfg Config, log zerolog.Logger, cache Invalidator, obs *metrics.Metrics) *Consumer {
	return &Consumer{cfg: cfg, log: log, cache: cache, obs: obs}
}

// Start joins the consumer group and processes events until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	if c.cache == nil {
		return errors.New("kafkaconsumer: missing invalidator")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	if c.cfg.SessionTimeout > 0 {
		cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	}
	if c.cfg.Heartbeat > 0 {
		cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	}
	if c.cfg.RebalanceTimeout > 0 {
		cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	}
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}

	c.log.Info().
		Strs("brokers", c.cfg.Brokers).
		Str("topic", c.cfg.Topic).
		Str("group", c.cfg.GroupID).
		Msg("invalidation consumer starting")

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("invalidation consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.log.Error().Err(err).
					Strs("brokers", c.cfg.Brokers).
					Str("topic", c.cfg.Topic).
					Msg("consumer error")
				time.Sleep(2 * time.Second)
			}
		}
	}
}

// ProcessOne applies a single event. Undecodable or invalid messages are
// skipped with a nil return so a poison message cannot wedge the partition;
// cache failures return an error so the offset is retried.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.obs.AddInvalidation("decode", err)
		c.log.Error().Err(err).
			Str("topic", msg.Topic).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("skipping undecodable event")
		return nil
	}
	if err := ev.Validate(); err != nil {
		c.obs.AddInvalidation(ev.Op, err)
		c.log.Error().Err(err).
			Str("collection", ev.Collection).
			Int64("offset", msg.Offset).
			Msg("skipping invalid event")
		return nil
	}

	if err := c.cache.Invalidate(ctx, ev.Collection, ev.ItemVersion); err != nil {
		c.obs.AddInvalidation(ev.Op, err)
		return fmt.Errorf("invalidate %s@%s: %w", ev.Collection, ev.ItemVersion, err)
	}

	c.obs.AddInvalidation(ev.Op, nil)
	c.log.Info().
		Str("op", ev.Op).
		Str("collection", ev.Collection).
		Str("item_version", ev.ItemVersion).
		Msg("invalidated")
	return nil
}
