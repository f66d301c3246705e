package api

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	CapsuleID interface{}            `json:"capsule_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogManager 最近日志的环形缓冲
type LogManager struct {
	logs    []LogEntry
	next    int
	full    bool
	maxLogs int
	mu      sync.RWMutex
}

// NewLogManager 创建日志管理器
func NewLogManager(maxLogs int) *LogManager {
	if maxLogs <= 0 {
		maxLogs = 1000
	}
	return &LogManager{
		logs:    make([]LogEntry, maxLogs),
		maxLogs: maxLogs,
	}
}

// AddLog 添加日志，满了覆盖最旧的一条
func (lm *LogManager) AddLog(entry *logrus.Entry) {
	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fields[k] = v
	}

	logEntry := LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		CapsuleID: fields["capsule_id"],
		Fields:    fields,
	}
	if component, ok := fields["component"].(string); ok {
		logEntry.Component = component
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.logs[lm.next] = logEntry
	lm.next = (lm.next + 1) % lm.maxLogs
	if lm.next == 0 {
		lm.full = true
	}
}

// snapshot 按时间从新到旧返回
func (lm *LogManager) snapshot() []LogEntry {
	size := lm.next
	if lm.full {
		size = lm.maxLogs
	}
	out := make([]LogEntry, 0, size)
	for i := 1; i <= size; i++ {
		out = append(out, lm.logs[(lm.next-i+lm.maxLogs)%lm.maxLogs])
	}
	return out
}

// GetLogsWithPagination 获取分页日志，level和component为空时不过滤
func (lm *LogManager) GetLogsWithPagination(level, component string, page, pageSize int) ([]LogEntry, int) {
	lm.mu.RLock()
	all := lm.snapshot()
	lm.mu.RUnlock()

	if level != "" || component != "" {
		filtered := make([]LogEntry, 0, len(all))
		for _, log := range all {
			if level != "" && log.Level != level {
				continue
			}
			if component != "" && log.Component != component {
				continue
			}
			filtered = append(filtered, log)
		}
		all = filtered
	}

	total := len(all)
	start := (page - 1) * pageSize
	if start >= total {
		return []LogEntry{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return all[start:end], total
}

// ClearLogs 清空日志
func (lm *LogManager) ClearLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.logs = make([]LogEntry, lm.maxLogs)
	lm.next = 0
	lm.full = false
}

// LogHook 把日志写入LogManager
type LogHook struct {
	manager *LogManager
}

// NewLogHook 创建日志钩子
func NewLogHook(manager *LogManager) *LogHook {
	return &LogHook{manager: manager}
}

// Fire 实现 logrus.Hook 接口
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.manager.AddLog(entry)
	return nil
}

// Levels 实现 logrus.Hook 接口
func (h *LogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}
