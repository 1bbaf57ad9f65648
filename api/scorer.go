package api

import (
	"context"

	"github.com/google/uuid"
)

// Scorer turns a feature vector and a model id into a score vector.
type Scorer interface {
	Score(ctx context.Context, modelID uuid.UUID, scorable []any) ([]float64, error)
	Close() error
}

// ModelsScorer is implemented by scorers with a native one-vector/many-models call.
type ModelsScorer interface {
	ScoreModels(ctx context.Context, modelIDs []uuid.UUID, scorable []any) ([][]float64, error)
}

// InstancesScorer is implemented by scorers with a native one-model/many-vectors call.
type InstancesScorer interface {
	ScoreInstances(ctx context.Context, modelID uuid.UUID, scorables [][]any) ([][]float64, error)
}

// ScoreModels scores one vector against every model, keeping the order of
// modelIDs. Any failure fails the whole call.
func ScoreModels(ctx context.Context, s Scorer, modelIDs []uuid.UUID, scorable []any) ([][]float64, error) {
	if ms, ok := s.(ModelsScorer); ok {
		return ms.ScoreModels(ctx, modelIDs, scorable)
	}
	return ScoreEachModel(ctx, s, modelIDs, scorable)
}

// ScoreEachModel is the composition of Score behind ScoreModels. Native
// implementations may fall back to it.
func ScoreEachModel(ctx context.Context, s Scorer, modelIDs []uuid.UUID, scorable []any) ([][]float64, error) {
	results := make([][]float64, 0, len(modelIDs))
	for _, id := range modelIDs {
		scores, err := s.Score(ctx, id, scorable)
		if err != nil {
			return nil, err
		}
		results = append(results, scores)
	}
	return results, nil
}

// ScoreInstances scores every vector against one model, keeping the order of scorables.
func ScoreInstances(ctx context.Context, s Scorer, modelID uuid.UUID, scorables [][]any) ([][]float64, error) {
	if is, ok := s.(InstancesScorer); ok {
		return is.ScoreInstances(ctx, modelID, scorables)
	}
	return ScoreEachInstance(ctx, s, modelID, scorables)
}

// ScoreEachInstance is the composition of Score behind ScoreInstances.
func ScoreEachInstance(ctx context.Context, s Scorer, modelID uuid.UUID, scorables [][]any) ([][]float64, error) {
	results := make([][]float64, 0, len(scorables))
	for _, scorable := range scorables {
		scores, err := s.Score(ctx, modelID, scorable)
		if err != nil {
			return nil, err
		}
		results = append(results, scores)
	}
	return results, nil
}
