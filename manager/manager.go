// Package manager is the in-process implementation of api.Manager: a registry
// of active models guarded by a reader-writer lock, backed by the ml
// classifiers and, optionally, by the sqlite header store.
package manager

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"fosgate/api"
	"fosgate/db"
	"fosgate/ml"
	"fosgate/monitoring"
)

const defaultCacheSize = 128

var errClosed = fmt.Errorf("%w: manager is closed", api.ErrUnsupported)

type entry struct {
	cfg        *api.ModelConfig
	classifier ml.Classifier
	// stored is the persisted model file; zero when the model is memory only.
	stored api.ModelDescriptor
}

type Manager struct {
	logger    *zap.Logger
	backend   ml.Backend
	store     *db.HeaderStore
	modelDir  string
	events    Events
	cacheSize int
	cache     *lru.Cache[string, ml.Classifier]

	// writeMu serializes mutations from lookup through persist to swap.
	// Scorers only take mu.
	writeMu sync.Mutex

	mu     sync.RWMutex
	models map[uuid.UUID]*entry
	closed bool
}

var _ api.Manager = (*Manager)(nil)

func New(opts ...Option) (*Manager, error) {
	m := &Manager{
		logger:    zap.NewNop(),
		backend:   ml.DefaultBackend{},
		cacheSize: defaultCacheSize,
		models:    make(map[uuid.UUID]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	cache, err := lru.New[string, ml.Classifier](m.cacheSize)
	if err != nil {
		return nil, err
	}
	m.cache = cache
	return m, nil
}

// Restore registers every active header of the store. Models that fail to
// load are skipped; their errors are returned combined.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	headers, err := m.store.LoadActive(ctx)
	if err != nil {
		return err
	}
	var errs error
	restored := 0
	for _, h := range headers {
		desc := api.ModelDescriptor{Format: h.Format, Path: h.ModelPath}
		classifier, err := m.loadClassifier(desc)
		if err != nil {
			m.logger.Warn("failed to restore model", zap.Stringer("model", h.ID), zap.String("path", h.ModelPath), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("model %s: %w", h.ID, err))
			continue
		}
		h.Config.SetProperty(api.PropertyUUID, h.ID.String())
		m.mu.Lock()
		m.models[h.ID] = &entry{cfg: h.Config, classifier: classifier, stored: desc}
		m.mu.Unlock()
		restored++
	}
	m.logger.Info("restored models", zap.Int("count", restored), zap.Int("stored", len(headers)))
	return errs
}

func (m *Manager) AddModel(ctx context.Context, cfg *api.ModelConfig, model api.Model) (uuid.UUID, error) {
	if err := m.checkOpen(); err != nil {
		return uuid.Nil, err
	}
	if err := cfg.Validate(); err != nil {
		return uuid.Nil, err
	}
	if model == nil {
		return uuid.Nil, fmt.Errorf("%w: model is required", api.ErrConfig)
	}
	cfg = cfg.Clone()
	id, err := api.ModelID(cfg)
	if err != nil {
		return uuid.Nil, err
	}
	cfg.SetProperty(api.PropertyUUID, id.String())

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.has(id) {
		return uuid.Nil, fmt.Errorf("%w: model %s is already registered", api.ErrConfig, id)
	}
	classifier, err := m.loadClassifier(model)
	if err != nil {
		return uuid.Nil, err
	}
	stored, err := m.persist(ctx, id, cfg, model, api.ModelDescriptor{})
	if err != nil {
		return uuid.Nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return uuid.Nil, errClosed
	}
	if _, ok := m.models[id]; ok {
		m.mu.Unlock()
		return uuid.Nil, fmt.Errorf("%w: model %s is already registered", api.ErrConfig, id)
	}
	m.models[id] = &entry{cfg: cfg, classifier: classifier, stored: stored}
	m.mu.Unlock()

	m.logger.Info("model added", zap.Stringer("model", id), zap.Int("attributes", len(cfg.Attributes)), zap.Bool("stored", stored.Path != ""))
	m.publish(monitoring.EventAdded, id)
	return id, nil
}

func (m *Manager) RemoveModel(ctx context.Context, id uuid.UUID) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errClosed
	}
	e, ok := m.models[id]
	if !ok {
		m.mu.Unlock()
		return notFound(id)
	}
	delete(m.models, id)
	m.mu.Unlock()

	if m.store != nil && e.stored.Path != "" {
		if err := m.store.SetState(ctx, id, db.StateRemoved); err != nil {
			m.logger.Warn("failed to mark model removed", zap.Stringer("model", id), zap.Error(err))
		}
	}
	m.logger.Info("model removed", zap.Stringer("model", id))
	m.publish(monitoring.EventRemoved, id)
	return nil
}

// ReconfigureModel merges cfg into the current schema and swaps the classifier
// when model is not nil. Other models keep scoring throughout.
func (m *Manager) ReconfigureModel(ctx context.Context, id uuid.UUID, cfg *api.ModelConfig, model api.Model) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	current, err := m.lookup(id)
	if err != nil {
		return err
	}
	next := current.cfg.Clone()
	next.Update(cfg)
	if cfg != nil {
		next.StoreModel = cfg.StoreModel
	}
	next.SetProperty(api.PropertyUUID, id.String())
	if err := next.Validate(); err != nil {
		return err
	}

	classifier := current.classifier
	if model != nil {
		if classifier, err = m.loadClassifier(model); err != nil {
			return err
		}
	}
	stored, err := m.persist(ctx, id, next, model, current.stored)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errClosed
	}
	if _, ok := m.models[id]; !ok {
		m.mu.Unlock()
		return notFound(id)
	}
	m.models[id] = &entry{cfg: next, classifier: classifier, stored: stored}
	m.mu.Unlock()

	m.logger.Info("model reconfigured", zap.Stringer("model", id), zap.Bool("classifier_replaced", model != nil))
	m.publish(monitoring.EventReconfigured, id)
	return nil
}

// ListModels returns copies of the active configurations.
func (m *Manager) ListModels(ctx context.Context) (map[uuid.UUID]*api.ModelConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}
	out := make(map[uuid.UUID]*api.ModelConfig, len(m.models))
	for id, e := range m.models {
		out[id] = e.cfg.Clone()
	}
	return out, nil
}

// GetScorer returns a scorer that resolves models at call time, so it observes
// every mutation that returned before the call.
func (m *Manager) GetScorer(ctx context.Context) (api.Scorer, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return &scorer{m: m}, nil
}

func (m *Manager) TrainAndAdd(ctx context.Context, cfg *api.ModelConfig, instances [][]any) (uuid.UUID, error) {
	model, err := m.Train(ctx, cfg, instances)
	if err != nil {
		return uuid.Nil, err
	}
	return m.AddModel(ctx, cfg, model)
}

func (m *Manager) TrainAndAddFile(ctx context.Context, cfg *api.ModelConfig, path string) (uuid.UUID, error) {
	model, err := m.TrainFile(ctx, cfg, path)
	if err != nil {
		return uuid.Nil, err
	}
	return m.AddModel(ctx, cfg, model)
}

func (m *Manager) Save(ctx context.Context, id uuid.UUID, path string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	data, err := e.classifier.MarshalBinary()
	if err != nil {
		return err
	}
	return db.WriteBinary(path, data)
}

func (m *Manager) SaveAsPMML(ctx context.Context, id uuid.UUID, path string, compress bool) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	exporter, ok := e.classifier.(ml.PMMLExporter)
	if !ok {
		return fmt.Errorf("%w: model %s has no PMML form", api.ErrUnsupported, id)
	}
	schema, _, _, err := trainingSchema(e.cfg)
	if err != nil {
		return err
	}
	text, err := exporter.PMML(schema)
	if err != nil {
		return err
	}
	return db.WritePMML(path, text, compress)
}

// Close drops the active set and closes the header store. Later calls fail
// with api.ErrUnsupported.
func (m *Manager) Close() error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.models = make(map[uuid.UUID]*entry)
	m.mu.Unlock()

	m.cache.Purge()
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}

func (m *Manager) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errClosed
	}
	return nil
}

func (m *Manager) has(id uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.models[id]
	return ok
}

func (m *Manager) lookup(id uuid.UUID) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}
	e, ok := m.models[id]
	if !ok {
		return nil, notFound(id)
	}
	return e, nil
}

func notFound(id uuid.UUID) error {
	return fmt.Errorf("%w: %s", api.ErrNotFound, id)
}

// loadClassifier decodes model, reusing decoded files while they are unchanged.
func (m *Manager) loadClassifier(model api.Model) (ml.Classifier, error) {
	desc, ok := model.(api.ModelDescriptor)
	if !ok {
		return m.backend.Load(model)
	}
	info, err := os.Stat(desc.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: model file: %v", api.ErrConfig, err)
	}
	key := fmt.Sprintf("%s:%s:%d:%d", desc.Format, desc.Path, info.Size(), info.ModTime().UnixNano())
	if c, ok := m.cache.Get(key); ok {
		return c, nil
	}
	c, err := m.backend.Load(desc)
	if err != nil {
		return nil, err
	}
	m.cache.Add(key, c)
	return c, nil
}

// persist writes model and its header when the config asks for it. It returns
// the descriptor now backing the model, previous when nothing was written.
func (m *Manager) persist(ctx context.Context, id uuid.UUID, cfg *api.ModelConfig, model api.Model, previous api.ModelDescriptor) (api.ModelDescriptor, error) {
	if !cfg.StoreModel || m.modelDir == "" {
		return previous, nil
	}
	stored := previous
	if model != nil {
		var err error
		if stored, err = db.WriteModelFile(m.modelDir, id, model); err != nil {
			return previous, fmt.Errorf("store model %s: %w", id, err)
		}
	}
	if m.store == nil || stored.Path == "" {
		return stored, nil
	}
	err := m.store.Save(ctx, db.Header{
		ID:        id,
		Config:    cfg,
		Format:    stored.Format,
		ModelPath: stored.Path,
		State:     db.StateActive,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return previous, fmt.Errorf("store header %s: %w", id, err)
	}
	return stored, nil
}

func (m *Manager) publish(t monitoring.EventType, id uuid.UUID) {
	if m.events == nil {
		return
	}
	m.events.Publish(monitoring.Event{Type: t, ModelID: id, Timestamp: time.Now()})
}
