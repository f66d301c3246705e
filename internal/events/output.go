package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"capsule/internal/config"
	"capsule/pkg/models"

	"github.com/sirupsen/logrus"
)

// Output 事件输出接口
type Output interface {
	WriteEvent(event *models.LedgerEvent) error
	Close() error
}

// defaultTopics 默认topic映射
var defaultTopics = map[string]string{
	string(models.EventEscrowCreated):        "capsule_escrow_created",
	string(models.EventOwnershipTransferred): "capsule_ownership_transferred",
	string(models.EventEscrowOpened):         "capsule_escrow_opened",
	string(models.EventTokenRescued):         "capsule_token_rescued",
}

// topicFor 查找事件类型对应的topic
func topicFor(topics map[string]string, eventType models.EventType) string {
	if topic, ok := topics[string(eventType)]; ok {
		return topic
	}
	if topic, ok := defaultTopics[string(eventType)]; ok {
		return topic
	}
	return "capsule_" + string(eventType)
}

// NewOutput 按配置创建输出器
func NewOutput(cfg *config.OutputConfig, logger *logrus.Logger) (Output, error) {
	if cfg == nil {
		return &NopOutput{}, nil
	}

	switch cfg.Format {
	case "kafka", "kafka_async":
		brokers := []string{"localhost:9092"}
		topics := defaultTopics
		if cfg.Kafka != nil {
			if len(cfg.Kafka.Brokers) > 0 {
				brokers = cfg.Kafka.Brokers
			}
			if len(cfg.Kafka.Topics) > 0 {
				topics = cfg.Kafka.Topics
			}
		}
		if cfg.Format == "kafka_async" {
			return NewAsyncKafkaOutput(brokers, topics, logger)
		}
		return NewKafkaOutput(brokers, topics, logger)
	case "file", "json":
		return NewFileOutput(cfg.Directory)
	case "none", "":
		return &NopOutput{}, nil
	default:
		return nil, fmt.Errorf("不支持的输出格式: %s", cfg.Format)
	}
}

// FileOutput 文件输出，每种事件类型一个JSON Lines文件
type FileOutput struct {
	outputDir string
	timestamp string
	files     map[models.EventType]*os.File
	mu        sync.Mutex
}

// NewFileOutput 创建文件输出器
func NewFileOutput(outputPath string) (*FileOutput, error) {
	if outputPath == "" {
		outputPath = "./outputs"
	}
	// 确保输出目录存在
	if err := os.MkdirAll(outputPath, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	return &FileOutput{
		outputDir: outputPath,
		timestamp: time.Now().Format("20060102_150405"),
		files:     make(map[models.EventType]*os.File),
	}, nil
}

// fileFor 按需创建事件文件
func (o *FileOutput) fileFor(eventType models.EventType) (*os.File, error) {
	if f, ok := o.files[eventType]; ok {
		return f, nil
	}
	name := filepath.Join(o.outputDir, fmt.Sprintf("%s_%s.json", eventType, o.timestamp))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("创建事件文件 %s 失败: %w", name, err)
	}
	o.files[eventType] = f
	return f, nil
}

// WriteEvent 写入事件
func (o *FileOutput) WriteEvent(event *models.LedgerEvent) error {
	if event == nil {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	data = append(data, '\n')

	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := o.fileFor(event.Type)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("写入事件文件失败: %w", err)
	}

	// 强制刷新到磁盘
	if err := f.Sync(); err != nil {
		return fmt.Errorf("刷新事件文件失败: %w", err)
	}
	return nil
}

// Files 已创建的事件文件路径
func (o *FileOutput) Files() map[models.EventType]string {
	o.mu.Lock()
	defer o.mu.Unlock()

	paths := make(map[models.EventType]string, len(o.files))
	for t, f := range o.files {
		paths[t] = f.Name()
	}
	return paths
}

// Close 关闭文件
func (o *FileOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var errs []error
	for t, f := range o.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭%s文件失败: %w", t, err))
		}
	}
	o.files = make(map[models.EventType]*os.File)

	if len(errs) > 0 {
		return fmt.Errorf("关闭输出文件时发生错误: %v", errs)
	}
	return nil
}

// NopOutput 丢弃所有事件
type NopOutput struct{}

// WriteEvent 丢弃事件
func (NopOutput) WriteEvent(*models.LedgerEvent) error { return nil }

// Close 无操作
func (NopOutput) Close() error { return nil }
