package manager

import (
	"go.uber.org/zap"

	"fosgate/db"
	"fosgate/ml"
	"fosgate/monitoring"
)

// Events receives model lifecycle notifications.
type Events interface {
	Publish(e monitoring.Event)
}

type Option func(*Manager)

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithBackend replaces the decision tree backend.
func WithBackend(backend ml.Backend) Option {
	return func(m *Manager) {
		if backend != nil {
			m.backend = backend
		}
	}
}

// WithStore persists model headers so Restore can bring them back.
func WithStore(store *db.HeaderStore) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// WithModelDir sets where model files are written for configs with StoreModel.
func WithModelDir(dir string) Option {
	return func(m *Manager) {
		m.modelDir = dir
	}
}

func WithEvents(events Events) Option {
	return func(m *Manager) {
		m.events = events
	}
}

// WithCacheSize bounds the number of file-backed classifiers kept decoded.
func WithCacheSize(size int) Option {
	return func(m *Manager) {
		if size > 0 {
			m.cacheSize = size
		}
	}
}
