package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	appconfig "candle-relay/config"
	"candle-relay/infrastructure/logger"
)

// HotReloadConfig 热更新配置
type HotReloadConfig struct {
	Enabled      bool          // 是否启用热更新
	CooldownTime time.Duration // 冷却时间，避免编辑器连续写入触发多次
}

// DefaultHotReloadConfig 默认热更新配置
func DefaultHotReloadConfig() HotReloadConfig {
	return HotReloadConfig{
		Enabled:      true,
		CooldownTime: time.Second,
	}
}

// Applier 把新配置中的某一项应用到运行中的组件。
type Applier func(cfg appconfig.AppConfig) error

// LoadFunc 重新读取并校验配置文件。
type LoadFunc func(path string) (appconfig.AppConfig, error)

// HotReloader 配置热更新器：监听配置文件所在目录，文件变化后重新加载并依次应用。
type HotReloader struct {
	config     HotReloadConfig
	configPath string
	watcher    *fsnotify.Watcher
	load       LoadFunc
	appliers   map[string]Applier
	logger     *logger.Logger
	lastReload time.Time
	reloads    int
	mu         sync.RWMutex
	stopChan   chan struct{}
	doneChan   chan struct{}
	stopOnce   sync.Once
}

// NewHotReloader 创建热更新器，load 为 nil 时使用 LoadWithEnvOverrides。
func NewHotReloader(configPath string, cfg HotReloadConfig, load LoadFunc, log *logger.Logger) (*HotReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if load == nil {
		load = appconfig.LoadWithEnvOverrides
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &HotReloader{
		config:     cfg,
		configPath: filepath.Clean(configPath),
		watcher:    watcher,
		load:       load,
		appliers:   make(map[string]Applier),
		logger:     log,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// RegisterApplier 注册参数应用器
func (h *HotReloader) RegisterApplier(name string, applier Applier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appliers[name] = applier
}

// Start 启动热更新监听
func (h *HotReloader) Start(ctx context.Context) error {
	if !h.config.Enabled {
		close(h.doneChan)
		return nil
	}
	// 监听目录，兼容编辑器 rename 方式保存
	if err := h.watcher.Add(filepath.Dir(h.configPath)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	go h.watch(ctx)
	return nil
}

// Stop 停止热更新，可重复调用。
func (h *HotReloader) Stop() error {
	var err error
	h.stopOnce.Do(func() {
		close(h.stopChan)
		select {
		case <-h.doneChan:
		case <-time.After(time.Second):
		}
		err = h.watcher.Close()
	})
	return err
}

func (h *HotReloader) watch(ctx context.Context) {
	defer close(h.doneChan)

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
			if filepath.Clean(event.Name) != h.configPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				h.handleConfigChange()
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (h *HotReloader) handleConfigChange() {
	h.mu.Lock()
	if time.Since(h.lastReload) < h.config.CooldownTime {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	if err := h.Reload(); err != nil {
		h.logger.Error("config reload failed", zap.String("path", h.configPath), zap.Error(err))
	}
}

// Reload 立即重新加载配置并应用。加载或校验失败时保留旧配置。
func (h *HotReloader) Reload() error {
	cfg, err := h.load(h.configPath)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.appliers))
	for name := range h.appliers {
		names = append(names, name)
	}
	sort.Strings(names)

	var failed []string
	for _, name := range names {
		if err := h.appliers[name](cfg); err != nil {
			failed = append(failed, name)
			h.logger.Error("config apply failed", zap.String("applier", name), zap.Error(err))
		}
	}
	h.lastReload = time.Now()
	h.reloads++
	h.logger.Info("config reloaded", zap.Strings("appliers", names), zap.Strings("failed", failed))
	if len(failed) > 0 {
		return fmt.Errorf("appliers failed: %v", failed)
	}
	return nil
}

// GetLastReloadTime 获取最后重载时间
func (h *HotReloader) GetLastReloadTime() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastReload
}

// Reloads 成功触发的重载次数
func (h *HotReloader) Reloads() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.reloads
}
