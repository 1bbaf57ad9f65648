package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel accepts zap level names; empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// Watch re-reads path whenever it changes and applies its log level to level.
// Other keys need a restart. Reload errors are logged and the previous level
// is kept. Watch returns when ctx is done.
func Watch(ctx context.Context, path string, level zap.AtomicLevel, logger *zap.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// watch the directory: editors replace the file rather than write it
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			reload(path, level, logger)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func reload(path string, level zap.AtomicLevel, logger *zap.Logger) {
	// a truncated file is the first half of a rewrite
	if info, err := os.Stat(path); err != nil || info.Size() == 0 {
		return
	}
	cfg, err := Load(path)
	if err != nil {
		logger.Warn("ignoring invalid config change", zap.String("path", path), zap.Error(err))
		return
	}
	next, _ := ParseLevel(cfg.Log.Level)
	if next == level.Level() {
		return
	}
	logger.Info("log level changed", zap.Stringer("from", level.Level()), zap.Stringer("to", next))
	level.SetLevel(next)
}
