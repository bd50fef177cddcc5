package kafka

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"github.com/sparkd-app/sparkd/service/obs"
	"github.com/sparkd-app/sparkd/tools/errs"
)

// Gateway publishes the three event kinds onto their topics. Chat, user and
// notification publishes are synchronous with acks=all; analytics is
// fire-and-forget on the async producer and never surfaces an error.
//
// A publish that fails after the producer's internal retries writes a
// best-effort DeadLetterRecord and returns the failure so the caller can run
// the synchronous fallback.
type Gateway struct {
	log     *zap.Logger
	metrics *obs.Metrics

	syncProd  sarama.SyncProducer
	asyncProd sarama.AsyncProducer

	connected atomic.Bool
	closeOnce sync.Once
}

// NewGateway builds both producers from an established client.
func NewGateway(client sarama.Client, log *zap.Logger, metrics *obs.Metrics) (*Gateway, error) {
	sp, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, errs.Wrap(err, "sync producer")
	}
	ap, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		_ = sp.Close()
		return nil, errs.Wrap(err, "async producer")
	}
	g := NewGatewayFromProducers(sp, ap, log, metrics)
	return g, nil
}

// NewGatewayFromProducers wires pre-built producers; tests use sarama mocks.
func NewGatewayFromProducers(sp sarama.SyncProducer, ap sarama.AsyncProducer, log *zap.Logger, metrics *obs.Metrics) *Gateway {
	g := &Gateway{log: log, metrics: metrics, syncProd: sp, asyncProd: ap}
	g.connected.Store(true)
	if ap != nil {
		go g.drainAsync()
	}
	return g
}

// Connected reports whether the broker handshake has completed.
func (g *Gateway) Connected() bool { return g.connected.Load() }

// SetConnected flips the gateway's availability. The bootstrap marks the
// gateway connected once the client is up; health checks may mark it down.
func (g *Gateway) SetConnected(up bool) { g.connected.Store(up) }

func (g *Gateway) PublishChatMessage(ev ChatMessageEvent) error {
	return g.publish(TopicChatMessages, ev.PartitionKey(), ev.Headers(), ev)
}

func (g *Gateway) PublishUserEvent(ev UserEvent) error {
	return g.publish(TopicUserEvents, ev.PartitionKey(), ev.Headers(), ev)
}

func (g *Gateway) PublishNotification(ev NotificationEvent) error {
	return g.publish(TopicNotifications, ev.PartitionKey(), ev.Headers(), ev)
}

// PublishAnalytics is best-effort and never returns an error; analytics
// events are metrics fodder, not business data.
func (g *Gateway) PublishAnalytics(event string, payload any) {
	if !g.connected.Load() || g.asyncProd == nil {
		return
	}
	body, err := json.Marshal(map[string]any{
		"event":     event,
		"payload":   payload,
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	g.asyncProd.Input() <- &sarama.ProducerMessage{
		Topic: TopicAnalytics,
		Value: sarama.ByteEncoder(body),
	}
}

func (g *Gateway) publish(topic, key string, headers []sarama.RecordHeader, ev any) error {
	if !g.connected.Load() {
		return errs.ErrNotConnected.WithDetail("topic " + topic)
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return errs.Wrap(err, "encode event")
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(key),
		Value:   sarama.ByteEncoder(body),
		Headers: headers,
	}
	if _, _, err := g.syncProd.SendMessage(msg); err != nil {
		g.metrics.PublishFailures.WithLabelValues(topic).Inc()
		g.log.Error("publish failed, dead-lettering",
			zap.String("topic", topic), zap.Error(err))
		g.writeDeadLetter(topic, body, err)
		return errs.ErrPublishFailure.WrapMsg(err)
	}
	g.metrics.Published.WithLabelValues(topic).Inc()
	return nil
}

// writeDeadLetter is best-effort: a DLQ write failure is logged, never
// escalated past the original publish error.
func (g *Gateway) writeDeadLetter(topic string, original []byte, cause error) {
	rec := DeadLetterRecord{
		OriginalTopic:   topic,
		OriginalMessage: original,
		Error:           cause.Error(),
		Timestamp:       time.Now().UnixMilli(),
	}
	body, err := json.Marshal(rec)
	if err != nil {
		g.log.Error("encode dead-letter record", zap.Error(err))
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: TopicDeadLetter,
		Value: sarama.ByteEncoder(body),
	}
	if _, _, err := g.syncProd.SendMessage(msg); err != nil {
		g.log.Error("dead-letter write failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	g.metrics.DeadLettered.Inc()
}

func (g *Gateway) drainAsync() {
	for {
		select {
		case msg, ok := <-g.asyncProd.Successes():
			if !ok {
				return
			}
			g.metrics.Published.WithLabelValues(msg.Topic).Inc()
		case perr, ok := <-g.asyncProd.Errors():
			if !ok {
				return
			}
			g.log.Warn("analytics publish dropped", zap.Error(perr.Err))
		}
	}
}

func (g *Gateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		g.connected.Store(false)
		if g.asyncProd != nil {
			g.asyncProd.AsyncClose()
		}
		if g.syncProd != nil {
			err = g.syncProd.Close()
		}
	})
	return err
}
