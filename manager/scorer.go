package manager

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"fosgate/api"
)

// scorer is the local api.Scorer handed out by GetScorer.
type scorer struct {
	m *Manager
}

var (
	_ api.Scorer       = (*scorer)(nil)
	_ api.ModelsScorer = (*scorer)(nil)
)

func (s *scorer) Score(ctx context.Context, id uuid.UUID, scorable []any) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := s.m.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.score(scorable)
}

// ScoreModels resolves every id under one read lock so the batch sees a
// single version of the active set.
func (s *scorer) ScoreModels(ctx context.Context, ids []uuid.UUID, scorable []any) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries := make([]*entry, len(ids))
	s.m.mu.RLock()
	if s.m.closed {
		s.m.mu.RUnlock()
		return nil, errClosed
	}
	for i, id := range ids {
		e, ok := s.m.models[id]
		if !ok {
			s.m.mu.RUnlock()
			return nil, notFound(id)
		}
		entries[i] = e
	}
	s.m.mu.RUnlock()

	results := make([][]float64, len(entries))
	for i, e := range entries {
		scores, err := e.score(scorable)
		if err != nil {
			return nil, err
		}
		results[i] = scores
	}
	return results, nil
}

// Close is a no-op: the local scorer holds no transport resources.
func (s *scorer) Close() error {
	return nil
}

func (e *entry) score(scorable []any) ([]float64, error) {
	features, err := Encode(e.cfg, scorable)
	if err != nil {
		return nil, err
	}
	return e.classifier.Score(features)
}

// Encode turns a scorable into the feature vector a classifier consumes, one
// column per attribute. Values that cannot be parsed become missing; trailing
// attributes absent from scorable are missing too.
func Encode(cfg *api.ModelConfig, scorable []any) ([]float64, error) {
	if len(scorable) > len(cfg.Attributes) {
		return nil, fmt.Errorf("%w: %d values for %d attributes", api.ErrParse, len(scorable), len(cfg.Attributes))
	}
	features := make([]float64, len(cfg.Attributes))
	for i, attr := range cfg.Attributes {
		if i >= len(scorable) {
			features[i] = api.MissingValue
			continue
		}
		features[i] = api.ParseOrMissing(attr, scorable[i])
	}
	return features, nil
}
