package kafka

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// Topic names.
const (
	TopicChatMessages  = "chat-messages"
	TopicUserEvents    = "user-events"
	TopicNotifications = "notifications"
	TopicAnalytics     = "analytics-events"
	TopicDeadLetter    = "dead-letter-queue"
)

// TopicSpec prescribes how a topic is provisioned.
type TopicSpec struct {
	Name          string
	Partitions    int32
	Retention     time.Duration
	MaxMessageLen int64 // bytes; 0 leaves the broker default
}

// TopicSpecs returns the five topics this system owns.
func TopicSpecs() []TopicSpec {
	return []TopicSpec{
		{Name: TopicChatMessages, Partitions: 24, Retention: 7 * 24 * time.Hour},
		{Name: TopicUserEvents, Partitions: 12, Retention: 24 * time.Hour},
		{Name: TopicNotifications, Partitions: 12, Retention: 3 * 24 * time.Hour},
		{Name: TopicAnalytics, Partitions: 6, Retention: 30 * 24 * time.Hour},
		{Name: TopicDeadLetter, Partitions: 3, Retention: 30 * 24 * time.Hour, MaxMessageLen: 10 << 20},
	}
}

// TopicAdmin is the slice of sarama.ClusterAdmin the registry uses.
type TopicAdmin interface {
	DescribeTopics(topics []string) ([]*sarama.TopicMetadata, error)
	CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error
}

// Registry idempotently provisions the topics at startup.
type Registry struct {
	log               *zap.Logger
	replicationFactor int16
}

func NewRegistry(replicationFactor int16, log *zap.Logger) *Registry {
	if replicationFactor <= 0 {
		replicationFactor = 1
	}
	return &Registry{log: log, replicationFactor: replicationFactor}
}

// Ensure creates every missing topic with its prescribed spec. Running
// against an already-provisioned cluster is a no-op.
func (r *Registry) Ensure(admin TopicAdmin) error {
	for _, spec := range TopicSpecs() {
		desc, err := admin.DescribeTopics([]string{spec.Name})
		if err == nil && len(desc) == 1 && desc[0].Err == sarama.ErrNoError {
			r.log.Info("topic exists",
				zap.String("topic", spec.Name),
				zap.Int("partitions", len(desc[0].Partitions)))
			continue
		}

		if err := admin.CreateTopic(spec.Name, r.detail(spec), false); err != nil {
			var te *sarama.TopicError
			if errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists {
				r.log.Info("topic exists (race)", zap.String("topic", spec.Name))
				continue
			}
			if errors.Is(err, sarama.ErrTopicAlreadyExists) {
				r.log.Info("topic exists (race)", zap.String("topic", spec.Name))
				continue
			}
			return fmt.Errorf("create topic %s: %w", spec.Name, err)
		}
		r.log.Info("topic created",
			zap.String("topic", spec.Name),
			zap.Int32("partitions", spec.Partitions),
			zap.Int16("rf", r.replicationFactor))
	}
	return nil
}

func (r *Registry) detail(spec TopicSpec) *sarama.TopicDetail {
	minISR := "1"
	if r.replicationFactor >= 3 {
		minISR = "2"
	}
	entries := map[string]*string{
		"cleanup.policy":                 strPtr("delete"),
		"retention.ms":                   strPtr(strconv.FormatInt(spec.Retention.Milliseconds(), 10)),
		"min.insync.replicas":            strPtr(minISR),
		"unclean.leader.election.enable": strPtr("false"),
		"compression.type":               strPtr("producer"),
	}
	if spec.MaxMessageLen > 0 {
		entries["max.message.bytes"] = strPtr(strconv.FormatInt(spec.MaxMessageLen, 10))
	}
	return &sarama.TopicDetail{
		NumPartitions:     spec.Partitions,
		ReplicationFactor: r.replicationFactor,
		ConfigEntries:     entries,
	}
}

func strPtr(s string) *string { return &s }
