package manager

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"fosgate/api"
	"fosgate/pipeline"
)

// Train builds a classifier from instances, strictly: a value the schema
// cannot encode or an unseen class label fails the call.
func (m *Manager) Train(ctx context.Context, cfg *api.ModelConfig, instances [][]any) (api.Model, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: no training instances", api.ErrConfig)
	}
	schema, classIdx, class, err := trainingSchema(cfg)
	if err != nil {
		return nil, err
	}

	features := make([][]float64, len(instances))
	labels := make([]int, len(instances))
	for row, instance := range instances {
		if row%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if features[row], labels[row], err = encodeTraining(schema, classIdx, instance); err != nil {
			return nil, fmt.Errorf("instance %d: %w", row+1, err)
		}
	}

	classifier, err := m.backend.Train(schema, features, labels, len(class.Categories()))
	if err != nil {
		return nil, err
	}
	data, err := classifier.MarshalBinary()
	if err != nil {
		return nil, err
	}
	m.logger.Info("model trained", zap.Int("instances", len(instances)), zap.Int("classes", len(class.Categories())))
	return api.ModelBinary{Data: data}, nil
}

// TrainFile trains from a CSV file decoded with the config's charset property.
func (m *Manager) TrainFile(ctx context.Context, cfg *api.ModelConfig, path string) (api.Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rows, err := pipeline.ReadInstances(path, cfg.Property(api.PropertyCharset))
	if err != nil {
		return nil, err
	}
	cleaner := pipeline.NewRowCleaner(len(cfg.Attributes), m.logger)
	rows, issues := cleaner.Clean(rows)
	if len(issues) > 0 {
		first := issues[0]
		return nil, fmt.Errorf("%w: %s line %d: %s (%d rows rejected)", api.ErrParse, path, first.Line, first.Message, len(issues))
	}
	return m.Train(ctx, cfg, rows)
}

// trainingSchema returns a copy of cfg with its class attribute marked.
func trainingSchema(cfg *api.ModelConfig) (*api.ModelConfig, int, *api.CategoricalAttribute, error) {
	schema := cfg.Clone()
	classIdx, err := schema.ClassIndex()
	if err != nil {
		return nil, 0, nil, err
	}
	class, ok := schema.Attributes[classIdx].(*api.CategoricalAttribute)
	if !ok {
		return nil, 0, nil, fmt.Errorf("%w: class attribute %s must be categorical", api.ErrConfig, schema.Attributes[classIdx].Name())
	}
	class.SetClass()
	return schema, classIdx, class, nil
}

func encodeTraining(schema *api.ModelConfig, classIdx int, instance []any) ([]float64, int, error) {
	if len(instance) != len(schema.Attributes) {
		return nil, 0, fmt.Errorf("%w: %d values for %d attributes", api.ErrParse, len(instance), len(schema.Attributes))
	}
	features := make([]float64, len(instance))
	label := -1
	for i, attr := range schema.Attributes {
		v := instance[i]
		missing := v == nil || v == api.MissingValueStr
		if i == classIdx {
			features[i] = api.MissingValue
			if missing {
				return nil, 0, fmt.Errorf("%w: missing class value", api.ErrParse)
			}
			idx, err := attr.Parse(v, api.Training)
			if err != nil {
				return nil, 0, err
			}
			label = int(idx)
			continue
		}
		if missing {
			features[i] = api.MissingValue
			continue
		}
		parsed, err := attr.Parse(v, api.Training)
		if err != nil {
			return nil, 0, fmt.Errorf("attribute %s: %w", attr.Name(), err)
		}
		features[i] = parsed
	}
	return features, label, nil
}
