package api

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Format is the on-disk representation of a model referenced by a descriptor.
type Format string

const (
	FormatBinary Format = "BINARY"
	FormatPMML   Format = "PMML"
)

// ParseFormat accepts the format name in any case.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToUpper(strings.TrimSpace(s))) {
	case FormatBinary:
		return FormatBinary, nil
	case FormatPMML:
		return FormatPMML, nil
	}
	return "", fmt.Errorf("%w: unknown model format %q", ErrConfig, s)
}

// Model is a trained classifier as the serving layer sees it. The variant set is
// closed: ModelBinary and ModelDescriptor.
type Model interface {
	isModel()
}

// ModelBinary is a model serialized in memory.
type ModelBinary struct {
	Data []byte
}

func (ModelBinary) isModel() {}

// ModelDescriptor references a model file on the manager's host.
type ModelDescriptor struct {
	Format Format
	Path   string
}

func (ModelDescriptor) isModel() {}

type modelJSON struct {
	Kind   string `json:"kind"`
	Data   []byte `json:"data,omitempty"`
	Format Format `json:"format,omitempty"`
	Path   string `json:"path,omitempty"`
}

const (
	modelKindBinary     = "binary"
	modelKindDescriptor = "descriptor"
)

// MarshalModel encodes m in its tagged JSON form; a nil model encodes as null.
func MarshalModel(m Model) ([]byte, error) {
	switch v := m.(type) {
	case nil:
		return []byte("null"), nil
	case ModelBinary:
		return json.Marshal(modelJSON{Kind: modelKindBinary, Data: v.Data})
	case *ModelBinary:
		return json.Marshal(modelJSON{Kind: modelKindBinary, Data: v.Data})
	case ModelDescriptor:
		return json.Marshal(modelJSON{Kind: modelKindDescriptor, Format: v.Format, Path: v.Path})
	case *ModelDescriptor:
		return json.Marshal(modelJSON{Kind: modelKindDescriptor, Format: v.Format, Path: v.Path})
	}
	return nil, fmt.Errorf("%w: unknown model variant %T", ErrConfig, m)
}

// UnmarshalModel is the inverse of MarshalModel.
func UnmarshalModel(data []byte) (Model, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var raw modelJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	switch raw.Kind {
	case modelKindBinary:
		return ModelBinary{Data: raw.Data}, nil
	case modelKindDescriptor:
		format, err := ParseFormat(string(raw.Format))
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(raw.Path) == "" {
			return nil, fmt.Errorf("%w: model descriptor path cannot be blank", ErrConfig)
		}
		return ModelDescriptor{Format: format, Path: raw.Path}, nil
	}
	return nil, fmt.Errorf("%w: unknown model kind %q", ErrConfig, raw.Kind)
}
