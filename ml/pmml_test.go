package ml

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"fosgate/api"
)

func pmmlConfig(t *testing.T) *api.ModelConfig {
	t.Helper()
	x, _ := api.NewNumericAttribute("x")
	y, _ := api.NewNumericAttribute("y")
	label, err := api.NewCategoricalAttribute("label", []string{"down", "flat", "up"}, api.AsClass())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg, err := api.NewModelConfig([]api.Attribute{x, y, label}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return cfg
}

func TestPMMLRoundTrip(t *testing.T) {
	features, labels := trainingSet()
	tree := NewDecisionTree(3, 3)
	if err := tree.Train(features, labels); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doc, err := tree.PMML(pmmlConfig(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(doc), `usageType="predicted"`) || !strings.Contains(string(doc), `value="up"`) {
		t.Fatalf("unexpected PMML:\n%s", doc)
	}

	parsed, err := ReadPMML(bytes.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertSameScores(t, tree, parsed, features)
}

func TestLoadCompressedPMML(t *testing.T) {
	features, labels := trainingSet()
	tree := NewDecisionTree(3, 3)
	if err := tree.Train(features, labels); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	doc, err := tree.PMML(pmmlConfig(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(doc)
	zw.Close()

	path := filepath.Join(t.TempDir(), "model.xml")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loaded, err := LoadClassifier(api.FormatPMML, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertSameScores(t, tree, loaded, features)
}

func TestReadPMMLRejectsGarbage(t *testing.T) {
	if _, err := ReadPMML(strings.NewReader("<PMML><TreeModel/></PMML>")); err == nil {
		t.Fatal("expected error for PMML without distribution")
	}
}

func TestReadPMMLChecksStructure(t *testing.T) {
	const dictionary = `<DataDictionary numberOfFields="2"><DataField name="amount" optype="continuous" dataType="double"/>` +
		`<DataField name="fraud" optype="categorical" dataType="string"/></DataDictionary>`
	leaf := func(id int, no, yes string) string {
		return `<Node id="` + strconv.Itoa(id) + `"><SimplePredicate field="amount" operator="lessOrEqual" value="100"/>` +
			`<ScoreDistribution value="no" recordCount="` + no + `"/><ScoreDistribution value="yes" recordCount="` + yes + `"/></Node>`
	}
	doc := func(children string) string {
		return `<PMML version="4.2">` + dictionary + `<TreeModel functionName="classification"><Node id="0"><True/>` +
			`<ScoreDistribution value="no" recordCount="3"/><ScoreDistribution value="yes" recordCount="3"/>` +
			children + `</Node></TreeModel></PMML>`
	}

	tree, err := ReadPMML(strings.NewReader(doc(leaf(1, "3", "0") + leaf(2, "0", "3"))))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	scores, err := tree.Score([]float64{500, math.NaN()})
	if err != nil || scores[1] != 1 {
		t.Fatalf("unexpected scores %v %v", scores, err)
	}

	if _, err := ReadPMML(strings.NewReader(doc(leaf(1, "3", "0")))); !errors.Is(err, api.ErrConfig) {
		t.Fatalf("expected ErrConfig for a single child, got %v", err)
	}
}
