package events

import (
	"capsule/internal/metrics"
	"capsule/pkg/models"

	"github.com/sirupsen/logrus"
)

// Publisher 账本事件发布器，输出失败只记录日志，不影响已提交的状态
type Publisher struct {
	output  Output
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

// NewPublisher 创建事件发布器
func NewPublisher(output Output, m *metrics.Metrics, logger *logrus.Logger) *Publisher {
	if output == nil {
		output = NopOutput{}
	}
	return &Publisher{
		output:  output,
		metrics: m,
		logger:  logger,
	}
}

// Publish 依次输出事件
func (p *Publisher) Publish(events ...*models.LedgerEvent) {
	if p == nil {
		return
	}
	for _, event := range events {
		if event == nil {
			continue
		}
		err := p.output.WriteEvent(event)
		p.metrics.ObserveEvent(string(event.Type), err)
		if err != nil {
			p.logger.WithFields(logrus.Fields{
				"event_id":  event.ID,
				"type":      event.Type,
				"escrow_id": event.EscrowID,
				"error":     err,
			}).Error("账本事件输出失败")
		}
	}
}

// Close 关闭底层输出
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.output.Close()
}
