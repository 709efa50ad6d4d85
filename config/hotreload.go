// 配置热重载管理器实现。
//
// 配置文件变化时重新加载、校验并比较新旧配置；只有登记为可热重载的字段
// 会在运行中生效，其余字段的变化记录为"需要重启"。回调失败时自动回滚。
package config

import (
	"context"
	"fmt"
	"hash/fnv"
	"reflect"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// HotReloadManager 管理配置热重载
type HotReloadManager struct {
	mu sync.RWMutex

	config *Config
	loader *Loader

	// 回滚支持
	previousConfig *Config
	configHistory  []ConfigSnapshot
	maxHistorySize int
	validateFunc   ValidateFunc

	watcher       *FileWatcher
	debounceDelay time.Duration

	changeCallbacks   []ChangeCallback
	reloadCallbacks   []ReloadCallback
	rollbackCallbacks []RollbackCallback

	changeLog []ConfigChange

	logger *zap.Logger

	running bool
	cancel  context.CancelFunc
}

// ChangeCallback 配置更改时调用
type ChangeCallback func(change ConfigChange)

// ReloadCallback 重新加载配置后调用；返回错误会触发回滚
type ReloadCallback func(oldConfig, newConfig *Config) error

// ConfigChange 代表一个字段的变化
type ConfigChange struct {
	Timestamp time.Time `json:"timestamp"`

	// 来源: file, manual, rollback
	Source string `json:"source"`

	// 字段路径，使用 YAML 键名（例如 "log.level"）
	Path string `json:"path"`

	OldValue any `json:"old_value,omitempty"`
	NewValue any `json:"new_value,omitempty"`

	RequiresRestart bool   `json:"requires_restart"`
	Applied         bool   `json:"applied"`
	Error           string `json:"error,omitempty"`
}

// ConfigSnapshot 配置快照
type ConfigSnapshot struct {
	Config    *Config   `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Version   int       `json:"version"`
	Checksum  string    `json:"checksum"`
}

// ValidateFunc 配置验证钩子
type ValidateFunc func(newConfig *Config) error

// RollbackCallback 回滚事件回调
type RollbackCallback func(event RollbackEvent)

// RollbackEvent 回滚事件
type RollbackEvent struct {
	Timestamp      time.Time
	Reason         string
	FailedConfig   *Config
	RestoredConfig *Config
	Version        int
	Error          error
}

// HotReloadableField 登记字段的热重载属性
type HotReloadableField struct {
	Path        string
	Description string

	// RequiresRestart 为 true 时变化只记录，不在运行中生效
	RequiresRestart bool

	// Sensitive 字段的值不会出现在日志与变更记录中
	Sensitive bool

	Validator func(value any) error
}

// --- 可热重载字段注册表 ---

var hotReloadableFields = map[string]HotReloadableField{
	"log.level": {
		Path:        "log.level",
		Description: "日志级别",
		Validator: func(v any) error {
			s, _ := v.(string)
			_, err := zapcore.ParseLevel(s)
			return err
		},
	},
	"captcha.capacity": {
		Path:        "captcha.capacity",
		Description: "验证码缓存容量，对之后的写入生效",
		Validator: func(v any) error {
			if n, _ := v.(int); n <= 0 {
				return fmt.Errorf("capacity must be positive, got %v", v)
			}
			return nil
		},
	},
	"session.secret":        {Path: "session.secret", RequiresRestart: true, Sensitive: true},
	"database.password":     {Path: "database.password", RequiresRestart: true, Sensitive: true},
	"redis.password":        {Path: "redis.password", RequiresRestart: true, Sensitive: true},
	"realtime.auth_secret":  {Path: "realtime.auth_secret", RequiresRestart: true, Sensitive: true},
	"report.uri":            {Path: "report.uri", RequiresRestart: true, Sensitive: true},
	"server.jwt.secret":     {Path: "server.jwt.secret", RequiresRestart: true, Sensitive: true},
	"server.jwt.public_key": {Path: "server.jwt.public_key", RequiresRestart: true, Sensitive: true},
}

// HotReloadOption 配置 HotReloadManager
type HotReloadOption func(*HotReloadManager)

// WithHotReloadLogger 设置记录器
func WithHotReloadLogger(logger *zap.Logger) HotReloadOption {
	return func(m *HotReloadManager) {
		m.logger = logger
	}
}

// WithLoader 设置重新加载使用的加载器；其配置路径即被监听的文件
func WithLoader(l *Loader) HotReloadOption {
	return func(m *HotReloadManager) {
		m.loader = l
	}
}

// WithMaxHistorySize 设置配置历史最大记录数
func WithMaxHistorySize(size int) HotReloadOption {
	return func(m *HotReloadManager) {
		if size > 0 {
			m.maxHistorySize = size
		}
	}
}

// WithValidateFunc 设置配置验证钩子
func WithValidateFunc(fn ValidateFunc) HotReloadOption {
	return func(m *HotReloadManager) {
		m.validateFunc = fn
	}
}

// WithReloadDebounce 设置文件事件去抖时间
func WithReloadDebounce(d time.Duration) HotReloadOption {
	return func(m *HotReloadManager) {
		m.debounceDelay = d
	}
}

// NewHotReloadManager 创建一个新的热重载管理器
func NewHotReloadManager(config *Config, opts ...HotReloadOption) *HotReloadManager {
	m := &HotReloadManager{
		config:         config,
		maxHistorySize: 10,
		debounceDelay:  500 * time.Millisecond,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "config_reload"))

	m.pushHistory(config, "init")
	return m
}

// pushHistory 将配置快照推入历史记录（环形缓冲）
func (m *HotReloadManager) pushHistory(config *Config, source string) {
	version := 1
	if len(m.configHistory) > 0 {
		version = m.configHistory[len(m.configHistory)-1].Version + 1
	}
	m.configHistory = append(m.configHistory, ConfigSnapshot{
		Config:    deepCopyConfig(config),
		Timestamp: time.Now(),
		Source:    source,
		Version:   version,
		Checksum:  computeConfigChecksum(config),
	})
	if len(m.configHistory) > m.maxHistorySize {
		m.configHistory = m.configHistory[len(m.configHistory)-m.maxHistorySize:]
	}
}

// deepCopyConfig 通过 YAML 往返深拷贝；YAML 标签覆盖全部字段，包括 JSON 隐藏的密钥
func deepCopyConfig(config *Config) *Config {
	data, err := yaml.Marshal(config)
	if err != nil {
		return config
	}
	copied := &Config{}
	if err := yaml.Unmarshal(data, copied); err != nil {
		return config
	}
	return copied
}

// computeConfigChecksum 计算配置校验和（FNV-1a）
func computeConfigChecksum(config *Config) string {
	data, err := yaml.Marshal(config)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// Start 开始监听配置文件；没有配置文件时只提供手动 ApplyConfig
func (m *HotReloadManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("hot reload manager already running")
	}

	ctx, m.cancel = context.WithCancel(ctx)

	if m.loader != nil && m.loader.ConfigPath() != "" {
		watcher, err := NewFileWatcher(
			[]string{m.loader.ConfigPath()},
			WithWatcherLogger(m.logger),
			WithDebounceDelay(m.debounceDelay),
		)
		if err != nil {
			m.cancel()
			return fmt.Errorf("failed to create file watcher: %w", err)
		}
		watcher.OnChange(m.handleFileChange)
		if err := watcher.Start(ctx); err != nil {
			m.cancel()
			return fmt.Errorf("failed to start file watcher: %w", err)
		}
		m.watcher = watcher
	}

	m.running = true
	m.logger.Info("hot reload manager started")
	return nil
}

// Stop 停止热重载管理器
func (m *HotReloadManager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	watcher := m.watcher
	m.watcher = nil
	m.cancel()
	m.mu.Unlock()

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			m.logger.Error("failed to stop file watcher", zap.Error(err))
		}
	}
	m.logger.Info("hot reload manager stopped")
	return nil
}

// handleFileChange 处理文件更改事件；删除与重命名等待后续的创建事件
func (m *HotReloadManager) handleFileChange(event FileEvent) {
	if event.Op != FileOpWrite && event.Op != FileOpCreate {
		return
	}
	if err := m.ReloadFromFile(); err != nil {
		m.logger.Error("failed to reload configuration", zap.Error(err))
	}
}

// ReloadFromFile 从文件重新加载、校验并应用配置；失败时保留当前配置
func (m *HotReloadManager) ReloadFromFile() error {
	if m.loader == nil || m.loader.ConfigPath() == "" {
		return fmt.Errorf("no config path set")
	}

	newConfig, err := m.loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return m.ApplyConfig(newConfig, "file")
}

// ApplyConfig 应用新配置。校验与历史记录在锁内完成，回调在锁外执行
func (m *HotReloadManager) ApplyConfig(newConfig *Config, source string) error {
	m.mu.Lock()

	oldConfig := m.config

	if m.validateFunc != nil {
		if err := m.validateFunc(newConfig); err != nil {
			m.appendChangeLogLocked(ConfigChange{
				Timestamp: time.Now(),
				Source:    source,
				Path:      "(validation_hook)",
				Error:     fmt.Sprintf("validation hook failed: %v", err),
			})
			m.mu.Unlock()
			return fmt.Errorf("config validation failed: %w", err)
		}
	}

	changes := detectChanges(oldConfig, newConfig)
	if len(changes) == 0 {
		m.mu.Unlock()
		m.logger.Debug("configuration unchanged", zap.String("source", source))
		return nil
	}

	var requiresRestart bool
	now := time.Now()
	for i := range changes {
		change := &changes[i]
		change.Source = source
		change.Timestamp = now
		field, known := hotReloadableFields[change.Path]
		if known && field.Validator != nil {
			if err := field.Validator(change.NewValue); err != nil {
				m.mu.Unlock()
				return fmt.Errorf("invalid value for %s: %w", change.Path, err)
			}
		}
		change.RequiresRestart = !known || field.RequiresRestart
		if known && field.Sensitive {
			change.OldValue = "[REDACTED]"
			change.NewValue = "[REDACTED]"
		}
		change.Applied = !change.RequiresRestart
		requiresRestart = requiresRestart || change.RequiresRestart
		m.logChange(*change)
	}

	m.previousConfig = oldConfig
	m.config = newConfig
	m.pushHistory(newConfig, source)
	m.appendChangeLogLocked(changes...)

	changeCallbacks := append([]ChangeCallback(nil), m.changeCallbacks...)
	reloadCallbacks := append([]ReloadCallback(nil), m.reloadCallbacks...)
	m.mu.Unlock()

	if err := notifyCallbacksSafe(changeCallbacks, reloadCallbacks, oldConfig, newConfig, changes); err != nil {
		m.mu.Lock()
		if m.config == newConfig {
			m.rollbackLocked(oldConfig, fmt.Sprintf("callback error: %v", err), err)
			reloadCallbacks = append([]ReloadCallback(nil), m.reloadCallbacks...)
			m.mu.Unlock()
			// 让已生效的回调恢复旧值
			_ = notifyCallbacksSafe(nil, reloadCallbacks, newConfig, oldConfig, nil)
		} else {
			m.mu.Unlock()
			m.logger.Warn("callback failed but config changed concurrently, skip rollback", zap.Error(err))
		}
		return fmt.Errorf("config applied but callback failed: %w", err)
	}

	if requiresRestart {
		m.logger.Warn("some configuration changes require restart to take effect")
	}
	m.logger.Info("configuration reloaded",
		zap.String("source", source),
		zap.Int("changes", len(changes)),
		zap.Bool("requires_restart", requiresRestart))
	return nil
}

func (m *HotReloadManager) appendChangeLogLocked(changes ...ConfigChange) {
	m.changeLog = append(m.changeLog, changes...)
	if len(m.changeLog) > 1000 {
		m.changeLog = m.changeLog[len(m.changeLog)-1000:]
	}
}

// notifyCallbacksSafe 依次调用回调，第一个错误或 panic 终止通知
func notifyCallbacksSafe(changeCallbacks []ChangeCallback, reloadCallbacks []ReloadCallback, oldConfig, newConfig *Config, changes []ConfigChange) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	for _, cb := range changeCallbacks {
		for _, change := range changes {
			cb(change)
		}
	}
	for _, cb := range reloadCallbacks {
		if err := cb(oldConfig, newConfig); err != nil {
			return err
		}
	}
	return nil
}

// detectChanges 比较新旧配置的叶子字段
func detectChanges(oldConfig, newConfig *Config) []ConfigChange {
	var changes []ConfigChange
	compareStructs("", reflect.ValueOf(oldConfig).Elem(), reflect.ValueOf(newConfig).Elem(), &changes)
	return changes
}

// compareStructs 递归比较结构体字段；time.Duration、切片与映射按叶子处理
func compareStructs(prefix string, oldVal, newVal reflect.Value, changes *[]ConfigChange) {
	t := oldVal.Type()
	for i := 0; i < oldVal.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := yamlName(field)
		if name == "-" {
			continue
		}
		fieldPath := name
		if prefix != "" {
			fieldPath = prefix + "." + name
		}

		oldField, newField := oldVal.Field(i), newVal.Field(i)
		if oldField.Kind() == reflect.Struct {
			compareStructs(fieldPath, oldField, newField, changes)
			continue
		}
		if !leafEqual(oldField, newField) {
			*changes = append(*changes, ConfigChange{
				Path:     fieldPath,
				OldValue: oldField.Interface(),
				NewValue: newField.Interface(),
			})
		}
	}
}

// leafEqual 比较叶子字段；空切片与 nil 切片（映射同理）视为相同，
// YAML 往返拷贝会把 nil 变成空值
func leafEqual(a, b reflect.Value) bool {
	switch a.Kind() {
	case reflect.Slice, reflect.Map:
		if a.Len() == 0 && b.Len() == 0 {
			return true
		}
	}
	return reflect.DeepEqual(a.Interface(), b.Interface())
}

func yamlName(field reflect.StructField) string {
	tag := field.Tag.Get("yaml")
	if name, _, _ := strings.Cut(tag, ","); name != "" {
		return name
	}
	return strings.ToLower(field.Name)
}

// logChange 记录配置更改，敏感字段不输出值
func (m *HotReloadManager) logChange(change ConfigChange) {
	fields := []zap.Field{
		zap.String("path", change.Path),
		zap.String("source", change.Source),
		zap.Bool("requires_restart", change.RequiresRestart),
	}
	if field, known := hotReloadableFields[change.Path]; !known || !field.Sensitive {
		fields = append(fields,
			zap.Any("old_value", change.OldValue),
			zap.Any("new_value", change.NewValue),
		)
	}
	m.logger.Info("configuration changed", fields...)
}

// OnChange 注册字段变化回调
func (m *HotReloadManager) OnChange(callback ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeCallbacks = append(m.changeCallbacks, callback)
}

// OnReload 注册配置重新加载的回调
func (m *HotReloadManager) OnReload(callback ReloadCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloadCallbacks = append(m.reloadCallbacks, callback)
}

// OnRollback 注册回滚事件回调
func (m *HotReloadManager) OnRollback(callback RollbackCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbackCallbacks = append(m.rollbackCallbacks, callback)
}

// Rollback 回滚到上一个有效配置，并通知重载回调
func (m *HotReloadManager) Rollback() error {
	m.mu.Lock()
	if m.previousConfig == nil {
		m.mu.Unlock()
		return fmt.Errorf("no previous config available for rollback")
	}
	failed, target := m.config, m.previousConfig
	m.rollbackLocked(target, "manual rollback", nil)
	reloadCallbacks := append([]ReloadCallback(nil), m.reloadCallbacks...)
	restored := m.config
	m.mu.Unlock()

	return notifyCallbacksSafe(nil, reloadCallbacks, failed, restored, nil)
}

// rollbackLocked 执行回滚（调用方必须持有 m.mu 写锁）
func (m *HotReloadManager) rollbackLocked(targetConfig *Config, reason string, originalErr error) {
	failedConfig := m.config
	m.config = targetConfig
	m.previousConfig = nil

	restoredVersion := 0
	checksum := computeConfigChecksum(targetConfig)
	for _, snapshot := range m.configHistory {
		if snapshot.Checksum == checksum {
			restoredVersion = snapshot.Version
		}
	}

	event := RollbackEvent{
		Timestamp:      time.Now(),
		Reason:         reason,
		FailedConfig:   failedConfig,
		RestoredConfig: targetConfig,
		Version:        restoredVersion,
		Error:          originalErr,
	}

	m.appendChangeLogLocked(ConfigChange{
		Timestamp: event.Timestamp,
		Source:    "rollback",
		Path:      "(rollback)",
		Applied:   true,
		Error:     reason,
	})

	for _, cb := range m.rollbackCallbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("rollback callback panicked", zap.Any("panic", r))
				}
			}()
			cb(event)
		}()
	}

	m.logger.Warn("configuration rolled back",
		zap.String("reason", reason),
		zap.Int("restored_version", restoredVersion))
}

// GetConfigHistory 获取配置变更历史
func (m *HotReloadManager) GetConfigHistory() []ConfigSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ConfigSnapshot(nil), m.configHistory...)
}

// GetCurrentVersion 获取当前配置版本号
func (m *HotReloadManager) GetCurrentVersion() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.configHistory) == 0 {
		return 0
	}
	return m.configHistory[len(m.configHistory)-1].Version
}

// GetConfig 返回当前配置的副本
func (m *HotReloadManager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return deepCopyConfig(m.config)
}

// GetChangeLog 返回最近 limit 条变更；limit <= 0 返回全部
func (m *HotReloadManager) GetChangeLog(limit int) []ConfigChange {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.changeLog) {
		limit = len(m.changeLog)
	}
	return append([]ConfigChange(nil), m.changeLog[len(m.changeLog)-limit:]...)
}

// GetHotReloadableFields 返回登记字段的副本
func GetHotReloadableFields() map[string]HotReloadableField {
	result := make(map[string]HotReloadableField, len(hotReloadableFields))
	for k, v := range hotReloadableFields {
		result[k] = v
	}
	return result
}

// IsHotReloadable 检查字段是否可以在运行中生效
func IsHotReloadable(path string) bool {
	field, known := hotReloadableFields[path]
	return known && !field.RequiresRestart
}

// --- 脱敏配置视图 ---

// Sanitized 返回脱敏后的配置映射，供 CLI 输出
func Sanitized(cfg *Config) map[string]any {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := yaml.Unmarshal(data, &result); err != nil {
		return nil
	}
	redactSensitiveFields(result, "")
	return result
}

// redactSensitiveFields 递归替换登记为敏感或名称像凭证的非空字符串
func redactSensitiveFields(data map[string]any, prefix string) {
	for key, value := range data {
		fullPath := key
		if prefix != "" {
			fullPath = prefix + "." + key
		}

		if nested, ok := value.(map[string]any); ok {
			redactSensitiveFields(nested, fullPath)
			continue
		}
		if str, ok := value.(string); ok && str != "" && isSensitiveKey(fullPath, key) {
			data[key] = "[REDACTED]"
		}
	}
}

func isSensitiveKey(path, key string) bool {
	if field, known := hotReloadableFields[path]; known && field.Sensitive {
		return true
	}
	lower := strings.ToLower(key)
	return lower == "password" || strings.HasSuffix(lower, "secret") || strings.HasSuffix(lower, "api_key")
}
