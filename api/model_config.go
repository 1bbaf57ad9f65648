package api

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	// PropertyUUID holds a caller-supplied model id.
	PropertyUUID = "UUID"
	// PropertyClassIndex holds the position of the class attribute.
	PropertyClassIndex = "classIndex"
	// PropertyCharset names the charset of training files.
	PropertyCharset = "charset"
)

// ModelConfig is the schema of a model: attributes in feature-vector order and
// free-form properties for the implementation.
type ModelConfig struct {
	Attributes []Attribute
	Properties map[string]string
	// StoreModel asks the manager to persist the model it is given.
	StoreModel bool
}

// NewModelConfig validates and copies the given schema.
func NewModelConfig(attributes []Attribute, properties map[string]string) (*ModelConfig, error) {
	if len(attributes) == 0 {
		return nil, fmt.Errorf("%w: attributes cannot be empty", ErrConfig)
	}
	seen := make(map[string]struct{}, len(attributes))
	for _, a := range attributes {
		if a == nil {
			return nil, fmt.Errorf("%w: attributes cannot contain nil", ErrConfig)
		}
		if _, ok := seen[a.Name()]; ok {
			return nil, fmt.Errorf("%w: duplicate attribute %s", ErrConfig, a.Name())
		}
		seen[a.Name()] = struct{}{}
	}

	cfg := &ModelConfig{
		Attributes: append([]Attribute(nil), attributes...),
		Properties: make(map[string]string, len(properties)),
		StoreModel: true,
	}
	for k, v := range properties {
		cfg.Properties[k] = v
	}
	return cfg, nil
}

// Validate checks the invariants NewModelConfig enforces on configs built elsewhere.
func (c *ModelConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: model config cannot be nil", ErrConfig)
	}
	_, err := NewModelConfig(c.Attributes, c.Properties)
	return err
}

// Update replaces the attributes when other has any and merges the properties,
// other's values winning. An empty attribute list leaves the current one in place.
func (c *ModelConfig) Update(other *ModelConfig) {
	if other == nil || c.Equal(other) {
		return
	}
	if len(other.Attributes) != 0 {
		c.Attributes = append([]Attribute(nil), other.Attributes...)
	}
	if c.Properties == nil {
		c.Properties = make(map[string]string, len(other.Properties))
	}
	for k, v := range other.Properties {
		c.Properties[k] = v
	}
}

// Property returns the value of name, or "" when unset.
func (c *ModelConfig) Property(name string) string {
	return c.Properties[name]
}

// IntProperty returns name parsed as an int, or def when missing or malformed.
func (c *ModelConfig) IntProperty(name string, def int) int {
	s, ok := c.Properties[name]
	if !ok {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return v
}

// SetProperty stores value and returns the previous one.
func (c *ModelConfig) SetProperty(name, value string) string {
	if c.Properties == nil {
		c.Properties = make(map[string]string)
	}
	old := c.Properties[name]
	c.Properties[name] = value
	return old
}

// RemoveProperty deletes name and returns its previous value.
func (c *ModelConfig) RemoveProperty(name string) string {
	old := c.Properties[name]
	delete(c.Properties, name)
	return old
}

// ClassIndex returns the position of the class attribute; the last attribute by default.
func (c *ModelConfig) ClassIndex() (int, error) {
	idx := c.IntProperty(PropertyClassIndex, len(c.Attributes)-1)
	if idx < 0 || idx >= len(c.Attributes) {
		return 0, fmt.Errorf("%w: class index %d out of range", ErrConfig, idx)
	}
	return idx, nil
}

func (c *ModelConfig) Equal(other *ModelConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.StoreModel != other.StoreModel || len(c.Attributes) != len(other.Attributes) || len(c.Properties) != len(other.Properties) {
		return false
	}
	for i := range c.Attributes {
		if !AttributesEqual(c.Attributes[i], other.Attributes[i]) {
			return false
		}
	}
	for k, v := range c.Properties {
		if ov, ok := other.Properties[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Clone returns a deep copy. Attributes are rebuilt so that SetClass on the copy
// leaves the original untouched.
func (c *ModelConfig) Clone() *ModelConfig {
	data, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("model config is not serializable: %v", err))
	}
	clone := new(ModelConfig)
	if err := json.Unmarshal(data, clone); err != nil {
		panic(fmt.Sprintf("model config does not round-trip: %v", err))
	}
	return clone
}

type modelConfigJSON struct {
	Attributes []json.RawMessage `json:"attributes"`
	Properties map[string]string `json:"properties"`
	StoreModel *bool             `json:"storeModel,omitempty"`
}

func (c *ModelConfig) MarshalJSON() ([]byte, error) {
	raw := modelConfigJSON{
		Attributes: make([]json.RawMessage, 0, len(c.Attributes)),
		Properties: c.Properties,
		StoreModel: &c.StoreModel,
	}
	if raw.Properties == nil {
		raw.Properties = map[string]string{}
	}
	for _, a := range c.Attributes {
		data, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		raw.Attributes = append(raw.Attributes, data)
	}
	return json.Marshal(raw)
}

func (c *ModelConfig) UnmarshalJSON(data []byte) error {
	var raw modelConfigJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	attrs := make([]Attribute, 0, len(raw.Attributes))
	for _, ra := range raw.Attributes {
		a, err := UnmarshalAttribute(ra)
		if err != nil {
			return err
		}
		attrs = append(attrs, a)
	}
	c.Attributes = attrs
	c.Properties = raw.Properties
	if c.Properties == nil {
		c.Properties = make(map[string]string)
	}
	c.StoreModel = true
	if raw.StoreModel != nil {
		c.StoreModel = *raw.StoreModel
	}
	return nil
}

// LoadModelConfig reads a JSON model configuration from path.
func LoadModelConfig(path string) (*ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	cfg := new(ModelConfig)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ModelID returns the id requested through the UUID property, or a fresh one.
func ModelID(cfg *ModelConfig) (uuid.UUID, error) {
	s := strings.TrimSpace(cfg.Property(PropertyUUID))
	if s == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed %s property: %v", ErrConfig, PropertyUUID, err)
	}
	return id, nil
}
