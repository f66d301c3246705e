package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"capsule/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// AsyncKafkaOutput 异步Kafka输出器
type AsyncKafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string
	producer sarama.AsyncProducer
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	flushTimeout time.Duration

	// 统计信息
	enqueued   int64
	sentCount  int64
	errorCount int64
	mu         sync.RWMutex
}

// NewAsyncKafkaOutput 创建异步Kafka输出器
func NewAsyncKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*AsyncKafkaOutput, error) {
	logger.Infof("初始化异步Kafka输出器，brokers: %v", brokers)

	producer, err := sarama.NewAsyncProducer(brokers, AsyncProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("创建异步Kafka生产者失败: %w", err)
	}

	logger.Info("异步Kafka生产者已创建并启动")
	return NewAsyncKafkaOutputWithProducer(producer, topics, logger), nil
}

// AsyncProducerConfig 异步生产者配置
func AsyncProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Producer.Timeout = 3 * time.Second
	config.Version = sarama.V2_8_0_0

	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Compression = sarama.CompressionSnappy
	config.ChannelBufferSize = 1000
	return config
}

// NewAsyncKafkaOutputWithProducer 使用已有异步生产者创建输出器
func NewAsyncKafkaOutputWithProducer(producer sarama.AsyncProducer, topics map[string]string, logger *logrus.Logger) *AsyncKafkaOutput {
	ctx, cancel := context.WithCancel(context.Background())

	k := &AsyncKafkaOutput{
		logger:       logger,
		topics:       topics,
		producer:     producer,
		ctx:          ctx,
		cancel:       cancel,
		flushTimeout: 30 * time.Second,
	}

	k.wg.Add(2)
	go func() {
		defer k.wg.Done()
		k.handleSuccesses()
	}()
	go func() {
		defer k.wg.Done()
		k.handleErrors()
	}()

	return k
}

// handleSuccesses 处理成功发送的消息，通道关闭时退出
func (k *AsyncKafkaOutput) handleSuccesses() {
	for success := range k.producer.Successes() {
		k.mu.Lock()
		k.sentCount++
		k.mu.Unlock()

		k.logger.Debugf("消息成功发送到 topic %s, partition %d, offset %d",
			success.Topic, success.Partition, success.Offset)
	}
}

// handleErrors 处理发送失败的消息
func (k *AsyncKafkaOutput) handleErrors() {
	for perr := range k.producer.Errors() {
		k.mu.Lock()
		k.errorCount++
		k.mu.Unlock()

		k.logger.WithFields(logrus.Fields{
			"topic": perr.Msg.Topic,
			"error": perr.Err,
		}).Error("Kafka发送失败")
	}
}

// WriteEvent 异步写入事件
func (k *AsyncKafkaOutput) WriteEvent(event *models.LedgerEvent) error {
	if event == nil {
		return nil
	}

	msg, err := encodeEvent(topicFor(k.topics, event.Type), event)
	if err != nil {
		return err
	}

	select {
	case <-k.ctx.Done():
		return fmt.Errorf("Kafka生产者已关闭")
	default:
	}

	select {
	case k.producer.Input() <- msg:
		k.mu.Lock()
		k.enqueued++
		k.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("Kafka生产者输入通道已满")
	}
}

// Flush 等待已入队的消息全部得到确认
func (k *AsyncKafkaOutput) Flush() error {
	deadline := time.After(k.flushTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		k.mu.RLock()
		done := k.sentCount+k.errorCount >= k.enqueued
		k.mu.RUnlock()
		if done {
			return nil
		}

		select {
		case <-ticker.C:
		case <-deadline:
			k.logger.Warn("刷新超时，部分消息可能未发送完成")
			return fmt.Errorf("刷新超时")
		}
	}
}

// GetStats 获取统计信息
func (k *AsyncKafkaOutput) GetStats() (int64, int64) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.sentCount, k.errorCount
}

// Close 关闭异步Kafka连接
func (k *AsyncKafkaOutput) Close() error {
	k.logger.Info("关闭异步Kafka生产者...")

	if err := k.Flush(); err != nil {
		k.logger.Warnf("刷新缓冲区时出现错误: %v", err)
	}
	k.cancel()

	// 关闭生产者后Successes与Errors通道随之关闭
	err := k.producer.Close()
	k.wg.Wait()

	sent, errors := k.GetStats()
	k.logger.Infof("异步Kafka生产者已关闭，总计发送: %d，错误: %d", sent, errors)

	if err != nil {
		return fmt.Errorf("关闭Kafka生产者失败: %w", err)
	}
	return nil
}
