package feed

import (
	"context"
	"encoding/json"
	"strconv"

	"blertbank/internal/domain"

	"github.com/IBM/sarama"
)

// NewKafkaProducer builds a SyncProducer that waits for all in-sync replicas
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V2_1_0_0
	return sarama.NewSyncProducer(brokers, cfg)
}

// KafkaSink writes one message per transaction, keyed by transaction id so a
// consumer can drop redeliveries.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaSink(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Publish(_ context.Context, txns []domain.PostedTransaction) error {
	msgs := make([]*sarama.ProducerMessage, 0, len(txns))
	for _, t := range txns {
		value, err := json.Marshal(t)
		if err != nil {
			return err
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: k.topic,
			Key:   sarama.StringEncoder(strconv.FormatInt(t.ID, 10)),
			Value: sarama.ByteEncoder(value),
			Headers: []sarama.RecordHeader{
				{Key: []byte("reason"), Value: []byte(t.Reason)},
			},
		})
	}
	return k.producer.SendMessages(msgs)
}

func (k *KafkaSink) Close() error {
	return k.producer.Close()
}
