package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	appconfig "depth-relay-go/config"
	"depth-relay-go/infrastructure/logger"
)

// HotReloadConfig 热更新配置
type HotReloadConfig struct {
	Enabled      bool          // 是否启用热更新
	CooldownTime time.Duration // 冷却时间，避免编辑器多次写入触发多次加载
}

// DefaultHotReloadConfig 默认热更新配置
func DefaultHotReloadConfig() HotReloadConfig {
	return HotReloadConfig{
		Enabled:      true,
		CooldownTime: 2 * time.Second,
	}
}

// Loader 重新读取配置，默认 LoadWithEnvOverrides。
type Loader func() (appconfig.AppConfig, error)

// ReloadHandler 收到通过校验的新配置。
type ReloadHandler func(old, updated appconfig.AppConfig) error

// HotReloader 配置热更新器
type HotReloader struct {
	config     HotReloadConfig
	configPath string
	watcher    *fsnotify.Watcher
	load       Loader
	handler    ReloadHandler
	log        *logger.Logger

	mu         sync.Mutex
	current    appconfig.AppConfig
	lastReload time.Time
	started    bool
	stopChan   chan struct{}
	doneChan   chan struct{}
	stopOnce   sync.Once
}

// NewHotReloader 创建热更新器。current 是启动时生效的配置。
func NewHotReloader(configPath string, cfg HotReloadConfig, current appconfig.AppConfig, load Loader, log *logger.Logger) (*HotReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &HotReloader{
		config:     cfg,
		configPath: configPath,
		watcher:    watcher,
		load:       load,
		log:        log,
		current:    current,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// SetReloadHandler 设置重载处理函数
func (h *HotReloader) SetReloadHandler(handler ReloadHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// Start 启动热更新监听。监听所在目录而不是文件本身，
// 编辑器"写临时文件再改名"的保存方式也能收到事件。
func (h *HotReloader) Start(ctx context.Context) error {
	if !h.config.Enabled || h.configPath == "" {
		return nil
	}
	if err := h.watcher.Add(filepath.Dir(h.configPath)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
	go h.watch(ctx)
	return nil
}

// Stop 停止热更新
func (h *HotReloader) Stop() error {
	h.stopOnce.Do(func() { close(h.stopChan) })

	h.mu.Lock()
	started := h.started
	h.mu.Unlock()
	if started {
		// 等待 goroutine 结束（带超时）
		select {
		case <-h.doneChan:
		case <-time.After(time.Second):
		}
	}
	return h.watcher.Close()
}

func (h *HotReloader) watch(ctx context.Context) {
	defer close(h.doneChan)
	target := filepath.Clean(h.configPath)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			// 只处理写入和创建事件
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				h.handleConfigChange()
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			// 记录错误但继续监听
			h.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

// handleConfigChange 处理配置变化；加载或校验失败时保留旧配置。
func (h *HotReloader) handleConfigChange() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if time.Since(h.lastReload) < h.config.CooldownTime {
		return
	}
	h.lastReload = time.Now()

	updated, err := h.load()
	if err != nil {
		h.log.LogError(err, map[string]interface{}{"op": "config_reload", "path": h.configPath})
		return
	}
	if h.handler != nil {
		if err := h.handler(h.current, updated); err != nil {
			h.log.LogError(err, map[string]interface{}{"op": "config_apply", "path": h.configPath})
			return
		}
	}
	h.current = updated
	h.log.Info("config reloaded", zap.String("path", h.configPath))
}

// Current 返回最近一次生效的配置
func (h *HotReloader) Current() appconfig.AppConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// GetLastReloadTime 获取最后重载时间
func (h *HotReloader) GetLastReloadTime() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastReload
}
