package events

import (
	"encoding/json"
	"fmt"
	"time"

	"capsule/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaOutput Kafka同步输出器
type KafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string // 事件类型到topic的映射
	producer sarama.SyncProducer
}

// NewKafkaOutput 创建Kafka输出器
func NewKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*KafkaOutput, error) {
	logger.Infof("初始化Kafka输出器，brokers: %v", brokers)
	logger.Infof("Kafka topics配置: %v", topics)

	producer, err := sarama.NewSyncProducer(brokers, SyncProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	logger.Info("Kafka生产者已创建")
	return NewKafkaOutputWithProducer(producer, topics, logger), nil
}

// SyncProducerConfig 同步生产者配置
func SyncProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Version = sarama.V2_8_0_0
	return config
}

// NewKafkaOutputWithProducer 使用已有生产者创建输出器
func NewKafkaOutputWithProducer(producer sarama.SyncProducer, topics map[string]string, logger *logrus.Logger) *KafkaOutput {
	return &KafkaOutput{
		logger:   logger,
		topics:   topics,
		producer: producer,
	}
}

// encodeEvent 生成Kafka消息，同一胶囊的事件使用相同分区键
func encodeEvent(topic string, event *models.LedgerEvent) (*sarama.ProducerMessage, error) {
	data, err := json.Marshal(event.ToKafkaMessage())
	if err != nil {
		return nil, fmt.Errorf("序列化数据失败: %w", err)
	}
	return &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.Key()),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
	}, nil
}

// WriteEvent 写入事件
func (k *KafkaOutput) WriteEvent(event *models.LedgerEvent) error {
	if event == nil {
		return nil
	}

	topic := topicFor(k.topics, event.Type)
	msg, err := encodeEvent(topic, event)
	if err != nil {
		return err
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("发送消息到Kafka失败: %w", err)
	}

	k.logger.WithFields(logrus.Fields{
		"topic":     topic,
		"partition": partition,
		"offset":    offset,
		"event_id":  event.ID,
	}).Debug("事件已发送到Kafka")
	return nil
}

// Close 关闭Kafka连接
func (k *KafkaOutput) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
