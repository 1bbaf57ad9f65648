package api

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// InstanceType tells an attribute whether it encodes a training or a scoring instance.
type InstanceType int

const (
	Training InstanceType = iota
	Scoring
)

func (t InstanceType) String() string {
	if t == Training {
		return "training"
	}
	return "scoring"
}

const (
	// MissingValueStr is the external representation of a missing value.
	MissingValueStr = "?"
	// UnknownCategory is the default replacement for categories absent from the schema.
	// It sorts after every printable ASCII category.
	UnknownCategory = "~unknown~"
)

// MissingValue is the internal representation of a missing value.
var MissingValue = math.NaN()

// IsMissing reports whether v is the missing value sentinel.
func IsMissing(v float64) bool {
	return math.IsNaN(v)
}

// Attribute is a typed feature-schema entry. The variant set is closed:
// *NumericAttribute and *CategoricalAttribute.
type Attribute interface {
	Name() string
	Parse(value any, mode InstanceType) (float64, error)
	isAttribute()
}

// ParseOrMissing encodes value for scoring. It never fails: the missing token and
// any value the attribute cannot parse both become MissingValue.
func ParseOrMissing(a Attribute, value any) float64 {
	if value == nil {
		return MissingValue
	}
	if s, ok := value.(string); ok && s == MissingValueStr {
		return MissingValue
	}
	v, err := a.Parse(value, Scoring)
	if err != nil {
		zap.L().Debug("failed to parse attribute value, using missing value",
			zap.String("attribute", a.Name()), zap.Any("value", value), zap.Error(err))
		return MissingValue
	}
	return v
}

func checkName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: attribute name cannot be blank", ErrConfig)
	}
	return nil
}

// NumericAttribute encodes any value convertible to a float.
type NumericAttribute struct {
	name string
}

func NewNumericAttribute(name string) (*NumericAttribute, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	return &NumericAttribute{name: name}, nil
}

func (a *NumericAttribute) Name() string { return a.name }

func (*NumericAttribute) isAttribute() {}

func (a *NumericAttribute) Parse(value any, _ InstanceType) (float64, error) {
	switch v := value.(type) {
	case nil:
		return 0, fmt.Errorf("%w: cannot parse null value for %s", ErrParse, a.name)
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case json.Number:
		return a.parseString(v.String())
	case string:
		return a.parseString(v)
	case fmt.Stringer:
		return a.parseString(v.String())
	default:
		return 0, fmt.Errorf("%w: %s cannot encode %T", ErrParse, a.name, value)
	}
}

func (a *NumericAttribute) parseString(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrParse, a.name, err)
	}
	return f, nil
}

func (a *NumericAttribute) String() string {
	return "NumericAttribute{" + a.name + "}"
}

// CategoricalAttribute maps values onto the index of a sorted category set.
type CategoricalAttribute struct {
	name               string
	categories         []string
	unknownReplacement string
	unknownIndex       int
	class              bool
}

// CategoricalOption customizes a categorical attribute at construction time.
type CategoricalOption func(*CategoricalAttribute)

// WithUnknownReplacement replaces UnknownCategory as the stand-in for unseen values.
func WithUnknownReplacement(replacement string) CategoricalOption {
	return func(a *CategoricalAttribute) {
		a.unknownReplacement = replacement
	}
}

// AsClass builds the attribute already marked as the class attribute.
func AsClass() CategoricalOption {
	return func(a *CategoricalAttribute) {
		a.class = true
	}
}

func NewCategoricalAttribute(name string, categories []string, opts ...CategoricalOption) (*CategoricalAttribute, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	if len(categories) == 0 {
		return nil, fmt.Errorf("%w: missing categories for %s", ErrConfig, name)
	}
	for _, c := range categories {
		if c == "" {
			return nil, fmt.Errorf("%w: categories of %s must not be empty", ErrConfig, name)
		}
	}

	a := &CategoricalAttribute{
		name:               name,
		unknownReplacement: UnknownCategory,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.unknownReplacement == "" {
		return nil, fmt.Errorf("%w: unknown replacement of %s must not be empty", ErrConfig, name)
	}

	set := make(map[string]struct{}, len(categories)+1)
	for _, c := range categories {
		set[c] = struct{}{}
	}
	set[a.unknownReplacement] = struct{}{}
	a.categories = make([]string, 0, len(set))
	for c := range set {
		a.categories = append(a.categories, c)
	}
	sort.Strings(a.categories)
	a.unknownIndex = sort.SearchStrings(a.categories, a.unknownReplacement)

	if a.class {
		a.class = false
		a.SetClass()
	}
	return a, nil
}

func (a *CategoricalAttribute) Name() string { return a.name }

func (*CategoricalAttribute) isAttribute() {}

// Categories returns a copy of the sorted category set.
func (a *CategoricalAttribute) Categories() []string {
	return append([]string(nil), a.categories...)
}

func (a *CategoricalAttribute) UnknownReplacement() string { return a.unknownReplacement }

// UnknownIndex is the position of the unknown replacement, or -1 on a class attribute.
func (a *CategoricalAttribute) UnknownIndex() int { return a.unknownIndex }

func (a *CategoricalAttribute) IsClass() bool { return a.class }

// SetClass marks the attribute as the class attribute and drops the unknown
// replacement from the category set. Must be called before the attribute encodes.
func (a *CategoricalAttribute) SetClass() {
	if a.class {
		return
	}
	a.class = true
	idx := sort.SearchStrings(a.categories, a.unknownReplacement)
	if idx < len(a.categories) && a.categories[idx] == a.unknownReplacement && len(a.categories) > 1 {
		a.categories = append(a.categories[:idx:idx], a.categories[idx+1:]...)
	}
	a.unknownIndex = -1
}

func (a *CategoricalAttribute) Parse(value any, mode InstanceType) (float64, error) {
	if value == nil {
		return MissingValue, nil
	}

	var s string
	switch v := value.(type) {
	case string:
		s = v
	case fmt.Stringer:
		s = v.String()
	default:
		s = fmt.Sprint(v)
	}

	idx := sort.SearchStrings(a.categories, s)
	if idx < len(a.categories) && a.categories[idx] == s {
		return float64(idx), nil
	}
	if a.class && mode == Training {
		return 0, fmt.Errorf("%w: %q is not a category of class attribute %s", ErrInvalidCategory, s, a.name)
	}
	return float64(a.unknownIndex), nil
}

func (a *CategoricalAttribute) String() string {
	return fmt.Sprintf("CategoricalAttribute{%s, categories=%v}", a.name, a.categories)
}

// AttributesEqual compares two attributes by variant, name and category set.
func AttributesEqual(a, b Attribute) bool {
	switch x := a.(type) {
	case *NumericAttribute:
		y, ok := b.(*NumericAttribute)
		return ok && x.name == y.name
	case *CategoricalAttribute:
		y, ok := b.(*CategoricalAttribute)
		if !ok || x.name != y.name || x.class != y.class || x.unknownReplacement != y.unknownReplacement {
			return false
		}
		if len(x.categories) != len(y.categories) {
			return false
		}
		for i := range x.categories {
			if x.categories[i] != y.categories[i] {
				return false
			}
		}
		return true
	}
	return false
}

type attributeJSON struct {
	Type               string   `json:"@type"`
	Name               string   `json:"name"`
	Categories         []string `json:"categories,omitempty"`
	UnknownReplacement string   `json:"unknownReplacement,omitempty"`
	Class              bool     `json:"class,omitempty"`
}

const (
	attributeTypeNumeric     = "numeric"
	attributeTypeCategorical = "categorical"
)

func (a *NumericAttribute) MarshalJSON() ([]byte, error) {
	return json.Marshal(attributeJSON{Type: attributeTypeNumeric, Name: a.name})
}

func (a *CategoricalAttribute) MarshalJSON() ([]byte, error) {
	categories := a.categories
	if !a.class {
		categories = make([]string, 0, len(a.categories))
		for _, c := range a.categories {
			if c != a.unknownReplacement {
				categories = append(categories, c)
			}
		}
	}
	return json.Marshal(attributeJSON{
		Type:               attributeTypeCategorical,
		Name:               a.name,
		Categories:         categories,
		UnknownReplacement: a.unknownReplacement,
		Class:              a.class,
	})
}

// UnmarshalAttribute decodes the tagged JSON form of an attribute.
func UnmarshalAttribute(data []byte) (Attribute, error) {
	var raw attributeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	switch raw.Type {
	case attributeTypeNumeric:
		return NewNumericAttribute(raw.Name)
	case attributeTypeCategorical:
		opts := make([]CategoricalOption, 0, 2)
		if raw.UnknownReplacement != "" {
			opts = append(opts, WithUnknownReplacement(raw.UnknownReplacement))
		}
		if raw.Class {
			opts = append(opts, AsClass())
		}
		return NewCategoricalAttribute(raw.Name, raw.Categories, opts...)
	default:
		return nil, fmt.Errorf("%w: unknown attribute type %q", ErrConfig, raw.Type)
	}
}
