package ml

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"

	"fosgate/api"
)

// Classifier scores an encoded feature vector. The vector has one column per
// schema attribute; the class column is always missing.
type Classifier interface {
	Score(features []float64) ([]float64, error)
	encoding.BinaryMarshaler
}

// PMMLExporter is implemented by classifiers with a PMML representation.
type PMMLExporter interface {
	PMML(cfg *api.ModelConfig) ([]byte, error)
}

// Backend trains and loads classifiers for the manager.
type Backend interface {
	Train(cfg *api.ModelConfig, features [][]float64, labels []int, numClasses int) (Classifier, error)
	Load(model api.Model) (Classifier, error)
}

const typeDecisionTree = "decision_tree"

type envelope struct {
	Type  string          `json:"type"`
	Model json.RawMessage `json:"model"`
}

func encodeEnvelope(kind string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: kind, Model: payload})
}

// DecodeClassifier decodes the binary form produced by a classifier's MarshalBinary.
func DecodeClassifier(data []byte) (Classifier, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: not a model binary: %v", api.ErrConfig, err)
	}
	switch env.Type {
	case typeDecisionTree:
		tree := new(DecisionTree)
		if err := json.Unmarshal(env.Model, tree); err != nil {
			return nil, fmt.Errorf("%w: %v", api.ErrConfig, err)
		}
		return tree, nil
	default:
		return nil, fmt.Errorf("%w: unsupported model type %q", api.ErrConfig, env.Type)
	}
}

// DefaultBackend trains decision trees.
type DefaultBackend struct {
	MaxDepth int
}

func (b DefaultBackend) Train(cfg *api.ModelConfig, features [][]float64, labels []int, numClasses int) (Classifier, error) {
	tree := NewDecisionTree(cfg.IntProperty("maxDepth", b.MaxDepth), numClasses)
	if err := tree.Train(features, labels); err != nil {
		return nil, err
	}
	return tree, nil
}

func (b DefaultBackend) Load(model api.Model) (Classifier, error) {
	switch m := model.(type) {
	case api.ModelBinary:
		return DecodeClassifier(m.Data)
	case api.ModelDescriptor:
		return LoadClassifier(m.Format, m.Path)
	case nil:
		return nil, errors.New("model is required")
	default:
		return nil, fmt.Errorf("%w: unknown model variant %T", api.ErrConfig, model)
	}
}
