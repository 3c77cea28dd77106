package kafka

import (
	"sync"

	"PPGateway/logger"

	"github.com/Shopify/sarama"
)

var (
	asyncProd sarama.AsyncProducer
	initOnce  sync.Once
)

// InitAsyncProducer starts the shared async producer. Successes and errors
// are drained in the background; publishing never blocks a caller.
func InitAsyncProducer(brokers []string) error {
	var err error
	initOnce.Do(func() {
		cfg := sarama.NewConfig()
		cfg.Producer.Compression = sarama.CompressionSnappy
		cfg.Producer.Retry.Max = 5
		cfg.Producer.RequiredAcks = sarama.WaitForLocal
		cfg.Producer.Return.Successes = false
		cfg.Producer.Return.Errors = true

		var p sarama.AsyncProducer
		p, err = sarama.NewAsyncProducer(brokers, cfg)
		if err != nil {
			return
		}
		asyncProd = p

		go func() {
			for e := range p.Errors() {
				logger.Errorf("[kafka] async send error: %v", e)
			}
		}()
	})
	return err
}

// SendAsync enqueues one record. Silently drops when the producer was never
// initialized (journal disabled).
func SendAsync(topic, key string, value []byte) {
	if asyncProd == nil {
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	asyncProd.Input() <- msg
}

func Close() {
	if asyncProd != nil {
		_ = asyncProd.Close()
	}
}
