package api

import (
	"context"

	"github.com/google/uuid"
)

// Manager owns the lifecycle of the active model set. Implementations must be
// safe for concurrent use; once a mutating call returns, every later GetScorer
// observes it.
type Manager interface {
	// AddModel registers model under the id given by ModelID(cfg).
	AddModel(ctx context.Context, cfg *ModelConfig, model Model) (uuid.UUID, error)
	// RemoveModel deactivates a model. Persisted files are kept.
	RemoveModel(ctx context.Context, id uuid.UUID) error
	// ReconfigureModel updates the schema and, when model is not nil, the classifier.
	ReconfigureModel(ctx context.Context, id uuid.UUID, cfg *ModelConfig, model Model) error
	ListModels(ctx context.Context) (map[uuid.UUID]*ModelConfig, error)
	GetScorer(ctx context.Context) (Scorer, error)
	TrainAndAdd(ctx context.Context, cfg *ModelConfig, instances [][]any) (uuid.UUID, error)
	TrainAndAddFile(ctx context.Context, cfg *ModelConfig, path string) (uuid.UUID, error)
	Train(ctx context.Context, cfg *ModelConfig, instances [][]any) (Model, error)
	TrainFile(ctx context.Context, cfg *ModelConfig, path string) (Model, error)
	// Save writes the binary form of a model to path.
	Save(ctx context.Context, id uuid.UUID, path string) error
	// SaveAsPMML writes the PMML form of a model, gzip-compressed when compress is set.
	SaveAsPMML(ctx context.Context, id uuid.UUID, path string, compress bool) error
	Close() error
}
