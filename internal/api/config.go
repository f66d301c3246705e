package api

import (
	"net/http"
	"sort"
	"strings"

	"capsule/internal/config"
	"capsule/internal/errors"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// systemConfig 运行参数所在的配置类型
const systemConfig = "system"

// ConfigStore 键值配置源
type ConfigStore interface {
	ListConfigs(configType string) (map[string]string, error)
	GetConfig(configType, key string) (string, error)
	UpdateConfig(configType, key, value string) error
}

var _ ConfigStore = (*config.DatabaseConfig)(nil)

// setting 一项运行参数
type setting struct {
	Key     string `json:"key"`
	Section string `json:"section"`
	Value   string `json:"value"`
	Known   bool   `json:"known"`
}

func newSetting(key, value string, known map[string]bool) setting {
	section := key
	if i := strings.IndexByte(key, '.'); i > 0 {
		section = key[:i]
	}
	return setting{Key: key, Section: section, Value: value, Known: known[key]}
}

// ConfigManager 账本、链、跨链和接口的运行参数，修改在下次启动时生效
type ConfigManager struct {
	store  ConfigStore
	logger *logrus.Logger
	known  map[string]bool
	fail   func(*gin.Context, error)
}

// NewConfigManager 创建配置管理器
func NewConfigManager(store ConfigStore, logger *logrus.Logger) *ConfigManager {
	known := make(map[string]bool, len(config.SystemKeys))
	for _, key := range config.SystemKeys {
		known[key] = true
	}
	return &ConfigManager{store: store, logger: logger, known: known}
}

func (cm *ConfigManager) register(group *gin.RouterGroup, fail func(*gin.Context, error), guards ...gin.HandlerFunc) {
	cm.fail = fail
	group.GET("/config", cm.listSettings)
	group.GET("/config/:key", cm.getSetting)
	group.PUT("/config/:key", append(guards, cm.putSetting)...)
}

// listSettings 已保存的参数，按键排序，额外返回可设置的键
func (cm *ConfigManager) listSettings(c *gin.Context) {
	values, err := cm.store.ListConfigs(systemConfig)
	if err != nil {
		cm.fail(c, errors.ErrStorageFailed.Withf("读取配置失败").Wrap(err))
		return
	}

	settings := make([]setting, 0, len(values))
	for key, value := range values {
		settings = append(settings, newSetting(key, value, cm.known))
	}
	sort.Slice(settings, func(i, j int) bool { return settings[i].Key < settings[j].Key })

	c.JSON(http.StatusOK, gin.H{
		"settings":      settings,
		"settable_keys": config.SystemKeys,
	})
}

// getSetting 单项参数
func (cm *ConfigManager) getSetting(c *gin.Context) {
	key := c.Param("key")
	value, err := cm.store.GetConfig(systemConfig, key)
	if err != nil {
		cm.fail(c, errors.ErrNotFound.WithContext("key", key).Wrap(err))
		return
	}
	c.JSON(http.StatusOK, newSetting(key, value, cm.known))
}

// putSetting 校验后保存参数，值必须能被配置加载器接受
func (cm *ConfigManager) putSetting(c *gin.Context) {
	key := c.Param("key")
	if !cm.known[key] {
		cm.fail(c, errors.ErrConfigInvalid.Withf("不支持的配置键: %s", key))
		return
	}

	var req struct {
		Value *string `json:"value"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Value == nil {
		cm.fail(c, errors.ErrInvalidCall.Withf("请求体需要 value 字段"))
		return
	}

	candidate := config.GetDefaultConfig()
	if _, err := config.ApplyValue(candidate, key, *req.Value); err != nil {
		cm.fail(c, errors.ErrConfigInvalid.Withf("%v", err).WithContext("key", key))
		return
	}
	if err := candidate.Validate(); err != nil {
		cm.fail(c, errors.ErrConfigInvalid.Withf("%v", err).WithContext("key", key))
		return
	}

	if err := cm.store.UpdateConfig(systemConfig, key, *req.Value); err != nil {
		cm.fail(c, errors.ErrStorageFailed.Withf("保存配置失败").Wrap(err))
		return
	}

	cm.logger.WithFields(logrus.Fields{
		"component": "api",
		"key":       key,
		"caller":    caller(c).Hex(),
	}).Info("运行参数已更新，重启后生效")

	c.JSON(http.StatusOK, gin.H{
		"setting":          newSetting(key, *req.Value, cm.known),
		"restart_required": true,
	})
}
