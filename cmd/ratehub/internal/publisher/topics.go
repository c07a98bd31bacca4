package publisher

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// TopicCreator makes sure the outbound topics exist before the hub starts publishing
type TopicCreator struct {
	logger     *zap.Logger
	dialer     KafkaDialer
	clock      Clock
	partitions int
}

func NewTopicCreator(logger *zap.Logger, dialer KafkaDialer, clock Clock, partitions int) *TopicCreator {
	if partitions <= 0 {
		partitions = 1
	}
	return &TopicCreator{
		logger:     logger,
		dialer:     dialer,
		clock:      clock,
		partitions: partitions,
	}
}

// Create is best-effort: brokers with auto-creation enabled work without it
func (tc *TopicCreator) Create(ctx context.Context, brokers []string, topics ...string) {
	var conn KafkaConn
	var err error

	for _, addr := range brokers {
		conn, err = tc.dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
	}
	if conn == nil {
		tc.logger.Warn("Failed to dial brokers", zap.Error(err))
		return
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		tc.logger.Warn("Failed to get controller", zap.Error(err))
		return
	}

	controllerAddr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	controllerConn, err := tc.dialer.DialContext(ctx, "tcp", controllerAddr)
	if err != nil {
		tc.logger.Warn("Failed to dial controller", zap.Error(err))
		return
	}
	defer controllerConn.Close()

	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, topic := range topics {
		configs = append(configs, kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     tc.partitions,
			ReplicationFactor: 1,
		})
	}

	if err := controllerConn.CreateTopics(configs...); err != nil {
		tc.logger.Info("Topic creation finished (might already exist)", zap.Error(err))
	} else {
		tc.logger.Info("Topic creation request sent", zap.Strings("topics", topics))
	}

	for _, topic := range topics {
		tc.waitForTopic(conn, topic)
	}
}

func (tc *TopicCreator) waitForTopic(conn KafkaConn, topicName string) {
	for i := 0; i < 5; i++ {
		tc.clock.Sleep(200 * time.Millisecond)
		partitions, err := conn.ReadPartitions(topicName)
		if err == nil && len(partitions) > 0 {
			tc.logger.Info("Topic is ready", zap.String("topic", topicName), zap.Int("partitions", len(partitions)))
			return
		}
	}
	tc.logger.Warn("Timed out waiting for topic", zap.String("topic", topicName))
}
