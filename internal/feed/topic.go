package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"
)

// EnsureTopic creates the feed topic if it does not exist. The profiler
// calls this at startup so a fresh cluster needs no manual setup.
func EnsureTopic(ctx context.Context, config *Config, logger *slog.Logger) error {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = slog.Default()
	}

	dialer, err := config.dialer()
	if err != nil {
		return err
	}

	conn, err := dialer.DialContext(ctx, "tcp", config.Brokers[0])
	if err != nil {
		return fmt.Errorf("feed: failed to connect to broker: %w", err)
	}
	defer conn.Close()

	exists, err := topicExists(conn, config.Topic)
	if err != nil {
		return err
	}
	if exists {
		logger.Debug("activity feed topic already exists", slog.String("topic", config.Topic))
		return nil
	}

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("feed: failed to get controller: %w", err)
	}

	controllerConn, err := dialer.DialContext(ctx, "tcp",
		net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("feed: failed to connect to controller: %w", err)
	}
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             config.Topic,
		NumPartitions:     config.Partitions,
		ReplicationFactor: config.ReplicationFactor,
		ConfigEntries: []kafka.ConfigEntry{
			{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(config.RetentionMs, 10)},
			{ConfigName: "cleanup.policy", ConfigValue: "delete"},
			{ConfigName: "max.message.bytes", ConfigValue: strconv.Itoa(config.MaxMessageBytes)},
		},
	})
	if err != nil {
		return fmt.Errorf("feed: failed to create topic %s: %w", config.Topic, err)
	}

	logger.Info("activity feed topic created",
		slog.String("topic", config.Topic),
		slog.Int("partitions", config.Partitions),
		slog.Int("replication_factor", config.ReplicationFactor))
	return nil
}

func topicExists(conn *kafka.Conn, topic string) (bool, error) {
	partitions, err := conn.ReadPartitions()
	if err != nil {
		return false, fmt.Errorf("feed: failed to read partitions: %w", err)
	}
	for _, p := range partitions {
		if p.Topic == topic {
			return true, nil
		}
	}
	return false, nil
}
