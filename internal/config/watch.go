package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watcher 监听配置文件，重新解析成功后把新旧配置交给回调。
// 解析失败时保留旧配置，只通过 onError 报告。
type Watcher struct {
	path     string
	v        *viper.Viper
	onChange func(prev, next *Config)
	onError  func(error)

	mu      sync.Mutex
	current *Config
}

// NewWatcher 创建 Watcher，current 为启动时已加载的配置。
func NewWatcher(path string, current *Config, onChange func(prev, next *Config), onError func(error)) *Watcher {
	if onError == nil {
		onError = func(error) {}
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		onError:  onError,
		current:  current,
	}
}

// Start 通过 viper + fsnotify 开始监听文件写入。
func (w *Watcher) Start() error {
	v := viper.New()
	v.SetConfigFile(w.path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		w.Reload()
	})
	v.WatchConfig()
	w.v = v
	return nil
}

// Current 返回最近一次成功解析的配置。
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload 重新读取配置文件并触发回调。
func (w *Watcher) Reload() {
	next, err := Load(w.path)
	if err != nil {
		w.onError(err)
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.mu.Unlock()

	if w.onChange != nil {
		w.onChange(prev, next)
	}
}
