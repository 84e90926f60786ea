package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// KafkaProducer writes driver location pings and ride-created triggers.
// Messages are keyed by driver or ride id so each key stays on one partition.
type KafkaProducer struct {
	writer        *kafka.Writer
	locationTopic string
	rideTopic     string
}

func NewKafkaProducer(brokers []string, locationTopic, rideTopic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaProducer{writer: w, locationTopic: locationTopic, rideTopic: rideTopic}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, d models.DriverLocation) error {
	return k.publish(ctx, k.locationTopic, d.DriverID, d)
}

func (k *KafkaProducer) PublishRideCreated(ctx context.Context, ev models.RideCreated) error {
	return k.publish(ctx, k.rideTopic, ev.RideID, ev)
}

func (k *KafkaProducer) publish(ctx context.Context, topic, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
