package kafka

import (
	"time"

	"github.com/Shopify/sarama"

	"github.com/sparkd-app/sparkd/config"
)

// Consumer group ids, one per independent consequence of an event.
const (
	GroupPersistence  = "sparkd-persistence"
	GroupRealtime     = "sparkd-realtime"
	GroupNotification = "sparkd-notify"
)

// BuildConfig returns the sarama configuration shared by the client,
// producers and consumer groups.
//
// The producer is idempotent: acks=all, one in-flight request, broker-side
// dedup of retried sends. The consumer never auto-commits; offsets are
// marked by the workers and committed explicitly. Session/heartbeat timeouts
// are tuned wide to avoid spurious rebalances under load.
func BuildConfig(cfg config.KafkaConfig) *sarama.Config {
	c := sarama.NewConfig()
	c.ClientID = cfg.ClientID
	c.Version = sarama.V2_8_0_0

	c.Producer.Return.Successes = true
	c.Producer.Return.Errors = true
	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Producer.Idempotent = true
	c.Net.MaxOpenRequests = 1
	retries := cfg.ProducerRetries
	if retries <= 0 {
		retries = 1
	}
	c.Producer.Retry.Max = retries
	c.Producer.Retry.Backoff = 250 * time.Millisecond
	c.Producer.Partitioner = sarama.NewHashPartitioner
	c.Producer.Compression = sarama.CompressionSnappy

	c.Consumer.Offsets.Initial = sarama.OffsetOldest
	c.Consumer.Offsets.AutoCommit.Enable = false
	c.Consumer.Return.Errors = true
	c.Consumer.Group.Session.Timeout = 60 * time.Second
	c.Consumer.Group.Heartbeat.Interval = 10 * time.Second

	c.Net.DialTimeout = 10 * time.Second
	c.Net.ReadTimeout = 30 * time.Second
	c.Net.WriteTimeout = 30 * time.Second
	return c
}

// NewClient dials the brokers. Fatal at startup when the cluster is
// unreachable; the topic registry and all workers depend on it.
func NewClient(cfg config.KafkaConfig) (sarama.Client, error) {
	return sarama.NewClient(cfg.Brokers, BuildConfig(cfg))
}
