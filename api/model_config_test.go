package api

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func newTestConfig(t *testing.T) *ModelConfig {
	t.Helper()
	amount, err := NewNumericAttribute("amount")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	country, err := NewCategoricalAttribute("country", []string{"US", "UK", "FR"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	label, err := NewCategoricalAttribute("label", []string{"fraud", "legit"}, AsClass())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg, err := NewModelConfig([]Attribute{amount, country, label}, map[string]string{"owner": "risk"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return cfg
}

func TestNewModelConfigValidation(t *testing.T) {
	if _, err := NewModelConfig(nil, nil); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
	a, _ := NewNumericAttribute("a")
	b, _ := NewCategoricalAttribute("a", []string{"x"})
	if _, err := NewModelConfig([]Attribute{a, b}, nil); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for duplicate names, got %v", err)
	}
}

func TestModelConfigJSONRoundTrip(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.StoreModel = false

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	decoded := new(ModelConfig)
	if err := json.Unmarshal(data, decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Equal(decoded) {
		t.Fatalf("round trip mismatch:\n%s", data)
	}
}

func TestModelConfigUpdate(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.SetProperty("keep", "1")

	t.Run("empty attribute list keeps attributes", func(t *testing.T) {
		update := &ModelConfig{Properties: map[string]string{"owner": "fraud-team", "new": "x"}}
		cfg.Update(update)
		if len(cfg.Attributes) != 3 {
			t.Fatalf("expected attributes to be kept, got %d", len(cfg.Attributes))
		}
		if cfg.Property("owner") != "fraud-team" || cfg.Property("new") != "x" || cfg.Property("keep") != "1" {
			t.Fatalf("unexpected properties: %v", cfg.Properties)
		}
	})

	t.Run("empty property map is a no-op merge", func(t *testing.T) {
		before := len(cfg.Properties)
		only, _ := NewNumericAttribute("only")
		cfg.Update(&ModelConfig{Attributes: []Attribute{only}})
		if len(cfg.Attributes) != 1 || cfg.Attributes[0].Name() != "only" {
			t.Fatalf("expected attributes to be replaced, got %v", cfg.Attributes)
		}
		if len(cfg.Properties) != before {
			t.Fatalf("expected properties untouched, got %v", cfg.Properties)
		}
	})
}

func TestModelConfigProperties(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.SetProperty("depth", "4")
	cfg.SetProperty("bad", "four")

	if got := cfg.IntProperty("depth", 1); got != 4 {
		t.Fatalf("expected 4, got %d", got)
	}
	if got := cfg.IntProperty("bad", 1); got != 1 {
		t.Fatalf("expected default, got %d", got)
	}
	if old := cfg.RemoveProperty("depth"); old != "4" {
		t.Fatalf("expected removed value 4, got %q", old)
	}
	idx, err := cfg.ClassIndex()
	if err != nil || idx != 2 {
		t.Fatalf("expected class index 2, got %d (%v)", idx, err)
	}
	cfg.SetProperty(PropertyClassIndex, "9")
	if _, err := cfg.ClassIndex(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestModelID(t *testing.T) {
	cfg := newTestConfig(t)
	generated, err := ModelID(cfg)
	if err != nil || generated == uuid.Nil {
		t.Fatalf("expected generated id, got %v (%v)", generated, err)
	}

	want := uuid.New()
	cfg.SetProperty(PropertyUUID, want.String())
	got, err := ModelID(cfg)
	if err != nil || got != want {
		t.Fatalf("expected %v, got %v (%v)", want, got, err)
	}

	cfg.SetProperty(PropertyUUID, "nope")
	if _, err := ModelID(cfg); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestLoadModelConfig(t *testing.T) {
	cfg := newTestConfig(t)
	data, _ := json.Marshal(cfg)
	path := filepath.Join(t.TempDir(), "model.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loaded, err := LoadModelConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Equal(loaded) {
		t.Fatal("loaded config differs")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := newTestConfig(t)
	clone := cfg.Clone()
	clone.Attributes[1].(*CategoricalAttribute).SetClass()
	if cfg.Attributes[1].(*CategoricalAttribute).IsClass() {
		t.Fatal("clone shares attributes with the original")
	}
}

func TestModelJSON(t *testing.T) {
	models := []Model{
		ModelBinary{Data: []byte{1, 2, 3}},
		ModelDescriptor{Format: FormatPMML, Path: "/tmp/m.xml"},
		nil,
	}
	for _, m := range models {
		data, err := MarshalModel(m)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		decoded, err := UnmarshalModel(data)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		switch want := m.(type) {
		case ModelBinary:
			got, ok := decoded.(ModelBinary)
			if !ok || string(got.Data) != string(want.Data) {
				t.Fatalf("unexpected model: %#v", decoded)
			}
		case ModelDescriptor:
			if decoded != want {
				t.Fatalf("unexpected model: %#v", decoded)
			}
		case nil:
			if decoded != nil {
				t.Fatalf("expected nil model, got %#v", decoded)
			}
		}
	}
}

type recordingScorer struct {
	calls int
	fail  int
}

func (s *recordingScorer) Score(_ context.Context, _ uuid.UUID, scorable []any) ([]float64, error) {
	s.calls++
	if s.fail > 0 && s.calls == s.fail {
		return nil, ErrNotFound
	}
	return []float64{scorable[0].(float64) * 2}, nil
}

func (s *recordingScorer) Close() error { return nil }

func TestScoreInstancesOrder(t *testing.T) {
	s := &recordingScorer{}
	id := uuid.New()
	vectors := [][]any{{1.0}, {2.0}, {3.0}}

	batch, err := ScoreInstances(context.Background(), s, id, vectors)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, v := range vectors {
		single, _ := s.Score(context.Background(), id, v)
		if batch[i][0] != single[0] {
			t.Fatalf("position %d: expected %v, got %v", i, single, batch[i])
		}
	}
}

func TestScoreModelsFailsWholeBatch(t *testing.T) {
	s := &recordingScorer{fail: 2}
	_, err := ScoreModels(context.Background(), s, []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}, []any{1.0})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRemoteErrorKeepsKind(t *testing.T) {
	for _, sentinel := range []error{ErrParse, ErrInvalidCategory, ErrNotFound, ErrConfig, ErrTransport, ErrUnsupported} {
		remote := FromKind(KindOf(sentinel), "boom")
		if !errors.Is(remote, sentinel) {
			t.Fatalf("expected %v to survive the round trip", sentinel)
		}
	}
	if KindOf(errors.New("other")) != KindInternal {
		t.Fatal("expected internal kind")
	}
}
