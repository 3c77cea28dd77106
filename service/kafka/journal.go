package kafka

import "github.com/Shopify/sarama"

// JournalProducer publishes accepted gateway events to the journal topic for
// downstream audit and indexing. Fire and forget.
type JournalProducer struct {
	Topic string
}

func (j *JournalProducer) Publish(eventType, key string, payload []byte) {
	if asyncProd == nil {
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: j.Topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event"), Value: []byte(eventType)},
		},
	}
	asyncProd.Input() <- msg
}
