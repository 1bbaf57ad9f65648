package api

import (
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestCategoricalAttributeParse(t *testing.T) {
	attr, err := NewCategoricalAttribute("country", []string{"US", "UK", "FR", "UK"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sorted := []string{"FR", "UK", "US"}
	for rank, value := range sorted {
		got, err := attr.Parse(value, Scoring)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != float64(rank) {
			t.Fatalf("expected %s at %d, got %v", value, rank, got)
		}
	}

	unknown, err := attr.Parse("DE", Scoring)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	replacement, _ := attr.Parse(attr.UnknownReplacement(), Scoring)
	if unknown != replacement || unknown != float64(attr.UnknownIndex()) {
		t.Fatalf("expected unknown index %d, got %v", attr.UnknownIndex(), unknown)
	}

	missing, err := attr.Parse(nil, Training)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !IsMissing(missing) {
		t.Fatalf("expected missing value, got %v", missing)
	}
}

func TestCategoricalAttributeStringForm(t *testing.T) {
	attr, err := NewCategoricalAttribute("code", []string{"1", "2", "10"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// sorted: "1", "10", "2"
	got, err := attr.Parse(2, Scoring)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 2 {
		t.Fatalf("expected 2, got %v", got)
	}
}

func TestCategoricalAttributeValidation(t *testing.T) {
	tests := []struct {
		name       string
		attrName   string
		categories []string
	}{
		{name: "blank name", attrName: " ", categories: []string{"a"}},
		{name: "no categories", attrName: "a", categories: nil},
		{name: "empty category", attrName: "a", categories: []string{"x", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCategoricalAttribute(tt.attrName, tt.categories)
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestCategoricalClassAttribute(t *testing.T) {
	attr, err := NewCategoricalAttribute("label", []string{"fraud", "legit"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(attr.Categories()) != 3 {
		t.Fatalf("expected unknown replacement in categories, got %v", attr.Categories())
	}

	attr.SetClass()
	attr.SetClass()
	if !attr.IsClass() {
		t.Fatal("expected class attribute")
	}
	if got := attr.Categories(); len(got) != 2 || got[0] != "fraud" || got[1] != "legit" {
		t.Fatalf("unexpected categories: %v", got)
	}

	if _, err := attr.Parse("chargeback", Training); !errors.Is(err, ErrInvalidCategory) {
		t.Fatalf("expected ErrInvalidCategory, got %v", err)
	}
	got, err := attr.Parse("chargeback", Scoring)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != float64(attr.UnknownIndex()) {
		t.Fatalf("expected unknown index %d, got %v", attr.UnknownIndex(), got)
	}
	if got, _ := attr.Parse("legit", Training); got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}
}

func TestNumericAttributeParse(t *testing.T) {
	attr, err := NewNumericAttribute("amount")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name    string
		value   any
		want    float64
		wantErr bool
	}{
		{name: "float", value: 42.5, want: 42.5},
		{name: "int", value: 7, want: 7},
		{name: "string", value: " 3.25", want: 3.25},
		{name: "json number", value: json.Number("1e3"), want: 1000},
		{name: "null", value: nil, wantErr: true},
		{name: "garbage", value: "abc", wantErr: true},
		{name: "bool", value: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := attr.Parse(tt.value, Training)
			if tt.wantErr {
				if !errors.Is(err, ErrParse) {
					t.Fatalf("expected ErrParse, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestParseOrMissing(t *testing.T) {
	numeric, _ := NewNumericAttribute("amount")
	categorical, _ := NewCategoricalAttribute("country", []string{"US"})

	for _, attr := range []Attribute{numeric, categorical} {
		if v := ParseOrMissing(attr, nil); !IsMissing(v) {
			t.Fatalf("%s: expected missing for nil, got %v", attr.Name(), v)
		}
		if v := ParseOrMissing(attr, MissingValueStr); !IsMissing(v) {
			t.Fatalf("%s: expected missing for %q, got %v", attr.Name(), MissingValueStr, v)
		}
	}
	if v := ParseOrMissing(numeric, "not a number"); !IsMissing(v) {
		t.Fatalf("expected missing for bad number, got %v", v)
	}
	if v := ParseOrMissing(numeric, "12"); v != 12 {
		t.Fatalf("expected 12, got %v", v)
	}
}

func TestParseOrMissingLogsFallback(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	defer zap.ReplaceGlobals(zap.New(core))()

	numeric, _ := NewNumericAttribute("amount")
	ParseOrMissing(numeric, "twelve")
	ParseOrMissing(numeric, nil)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one fallback log, got %d", len(entries))
	}
	if fields := entries[0].ContextMap(); fields["attribute"] != "amount" || fields["value"] != "twelve" {
		t.Fatalf("unexpected log fields %v", fields)
	}
}

func TestAttributeJSONRoundTrip(t *testing.T) {
	class, _ := NewCategoricalAttribute("label", []string{"no", "yes"}, AsClass())
	custom, _ := NewCategoricalAttribute("device", []string{"ios", "android"}, WithUnknownReplacement("other"))
	numeric, _ := NewNumericAttribute("amount")

	for _, attr := range []Attribute{class, custom, numeric} {
		data, err := json.Marshal(attr)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		decoded, err := UnmarshalAttribute(data)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !AttributesEqual(attr, decoded) {
			t.Fatalf("round trip mismatch: %v != %v", attr, decoded)
		}
	}
}
