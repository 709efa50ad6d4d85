// 配置文件变更监听器实现。
//
// 基于 fsnotify 监听配置文件所在目录，按文件名过滤并去抖后触发回调。
// 监听目录而不是文件本身，编辑器"写临时文件再重命名"的保存方式也能被捕获。
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
)

// --- 文件监听器类型定义 ---

// FileWatcher watches configuration files for changes
type FileWatcher struct {
	mu sync.Mutex

	// 配置
	paths         map[string]struct{}
	debounceDelay time.Duration

	// 状态
	watcher *fsnotify.Watcher
	running bool
	done    chan struct{}
	pending map[string]FileEvent
	timer   *time.Timer

	callbacks []func(event FileEvent)

	logger *zap.Logger
}

// FileEvent represents a file change event
type FileEvent struct {
	// Path 变更的文件（绝对路径）
	Path string `json:"path"`

	Op FileOp `json:"op"`

	Timestamp time.Time `json:"timestamp"`
}

// FileOp represents file operation types
type FileOp int

const (
	// FileOpCreate 表示文件已创建
	FileOpCreate FileOp = iota
	// FileOpWrite 指示文件已被修改
	FileOpWrite
	// FileOpRemove 表示文件已被删除
	FileOpRemove
	// FileOpRename 表示文件已重命名
	FileOpRename
)

// String returns the string representation of FileOp
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	case FileOpRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// fileOpFrom 把 fsnotify 位掩码映射为单一操作；chmod 返回 false
func fileOpFrom(op fsnotify.Op) (FileOp, bool) {
	switch {
	case op&fsnotify.Create != 0:
		return FileOpCreate, true
	case op&fsnotify.Write != 0:
		return FileOpWrite, true
	case op&fsnotify.Remove != 0:
		return FileOpRemove, true
	case op&fsnotify.Rename != 0:
		return FileOpRename, true
	default:
		return 0, false
	}
}

// --- 文件监听器选项 ---

// WatcherOption configures the FileWatcher
type WatcherOption func(*FileWatcher)

// WithDebounceDelay sets the debounce delay for file events
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		w.debounceDelay = d
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		w.logger = logger
	}
}

// --- 文件监听器实现 ---

// NewFileWatcher creates a new file watcher
func NewFileWatcher(paths []string, opts ...WatcherOption) (*FileWatcher, error) {
	w := &FileWatcher{
		paths:         make(map[string]struct{}, len(paths)),
		debounceDelay: 100 * time.Millisecond,
		pending:       make(map[string]FileEvent),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"))

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		w.paths[abs] = struct{}{}
	}
	return w, nil
}

// OnChange registers a callback. Callbacks run on the debounce timer goroutine.
func (w *FileWatcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching; it returns once the directories are registered.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	for dir := range w.dirsLocked() {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	w.watcher = watcher
	w.done = make(chan struct{})
	w.running = true
	go w.run(ctx, watcher, w.done)

	w.logger.Info("config watcher started", zap.Strings("paths", w.pathsLocked()))
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	watcher, done := w.watcher, w.done
	if w.timer != nil {
		w.timer.Stop()
	}
	w.pending = make(map[string]FileEvent)
	w.mu.Unlock()

	err := watcher.Close()
	<-done
	w.logger.Info("config watcher stopped")
	return err
}

func (w *FileWatcher) run(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// handleEvent 只保留被监听文件的最后一次事件，并重置去抖定时器
func (w *FileWatcher) handleEvent(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	op, ok := fileOpFrom(event.Op)
	if !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, watched := w.paths[path]; !watched || !w.running {
		return
	}
	w.pending[path] = FileEvent{Path: path, Op: op, Timestamp: time.Now()}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounceDelay, w.flush)
}

func (w *FileWatcher) flush() {
	w.mu.Lock()
	if !w.running || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	events := make([]FileEvent, 0, len(w.pending))
	for _, ev := range w.pending {
		events = append(events, ev)
	}
	w.pending = make(map[string]FileEvent)
	callbacks := append([]func(FileEvent){}, w.callbacks...)
	w.mu.Unlock()

	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
	for _, ev := range events {
		w.logger.Debug("config file changed", zap.String("path", ev.Path), zap.Stringer("op", ev.Op))
		for _, cb := range callbacks {
			cb(ev)
		}
	}
}

// AddPath adds a file to watch. When running, its directory is registered
// immediately.
func (w *FileWatcher) AddPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.paths[abs]; exists {
		return nil
	}
	if w.running {
		if err := w.watcher.Add(filepath.Dir(abs)); err != nil {
			return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
		}
	}
	w.paths[abs] = struct{}{}
	return nil
}

// Paths returns the watched files, sorted.
func (w *FileWatcher) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pathsLocked()
}

// IsRunning reports whether the watcher is active.
func (w *FileWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *FileWatcher) pathsLocked() []string {
	out := make([]string, 0, len(w.paths))
	for p := range w.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (w *FileWatcher) dirsLocked() map[string]struct{} {
	dirs := make(map[string]struct{}, len(w.paths))
	for p := range w.paths {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	return dirs
}
