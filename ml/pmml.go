package ml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"fosgate/api"
)

const (
	pmmlVersion   = "4.2"
	pmmlNamespace = "http://www.dmg.org/PMML-4_2"
)

type pmmlDocument struct {
	XMLName        xml.Name           `xml:"PMML"`
	Xmlns          string             `xml:"xmlns,attr,omitempty"`
	Version        string             `xml:"version,attr"`
	Header         pmmlHeader         `xml:"Header"`
	DataDictionary pmmlDataDictionary `xml:"DataDictionary"`
	TreeModel      pmmlTreeModel      `xml:"TreeModel"`
}

type pmmlHeader struct {
	Description string `xml:"description,attr"`
}

type pmmlDataDictionary struct {
	NumberOfFields int             `xml:"numberOfFields,attr"`
	Fields         []pmmlDataField `xml:"DataField"`
}

type pmmlDataField struct {
	Name     string      `xml:"name,attr"`
	OpType   string      `xml:"optype,attr"`
	DataType string      `xml:"dataType,attr"`
	Values   []pmmlValue `xml:"Value"`
}

type pmmlValue struct {
	Value string `xml:"value,attr"`
}

type pmmlTreeModel struct {
	FunctionName         string           `xml:"functionName,attr"`
	MissingValueStrategy string           `xml:"missingValueStrategy,attr"`
	MiningSchema         pmmlMiningSchema `xml:"MiningSchema"`
	Node                 pmmlNode         `xml:"Node"`
}

type pmmlMiningSchema struct {
	Fields []pmmlMiningField `xml:"MiningField"`
}

type pmmlMiningField struct {
	Name      string `xml:"name,attr"`
	UsageType string `xml:"usageType,attr,omitempty"`
}

type pmmlNode struct {
	ID            int                     `xml:"id,attr"`
	Score         string                  `xml:"score,attr,omitempty"`
	RecordCount   float64                 `xml:"recordCount,attr"`
	DefaultChild  string                  `xml:"defaultChild,attr,omitempty"`
	True          *struct{}               `xml:"True"`
	Predicate     *pmmlSimplePredicate    `xml:"SimplePredicate"`
	Distributions []pmmlScoreDistribution `xml:"ScoreDistribution"`
	Nodes         []pmmlNode              `xml:"Node"`
}

type pmmlSimplePredicate struct {
	Field    string `xml:"field,attr"`
	Operator string `xml:"operator,attr"`
	Value    string `xml:"value,attr"`
}

type pmmlScoreDistribution struct {
	Value       string  `xml:"value,attr"`
	RecordCount float64 `xml:"recordCount,attr"`
}

// PMML renders the tree as a PMML TreeModel. Predicates compare the encoded
// feature values: categorical fields are split on category indexes.
func (dt *DecisionTree) PMML(cfg *api.ModelConfig) ([]byte, error) {
	if len(dt.nodes) == 0 {
		return nil, errors.New("model not trained")
	}
	classIdx, err := cfg.ClassIndex()
	if err != nil {
		return nil, err
	}

	doc := pmmlDocument{
		Xmlns:   pmmlNamespace,
		Version: pmmlVersion,
		Header:  pmmlHeader{Description: "fosgate decision tree"},
		TreeModel: pmmlTreeModel{
			FunctionName:         "classification",
			MissingValueStrategy: "defaultChild",
		},
	}
	var classNames []string
	for i, attr := range cfg.Attributes {
		field := pmmlDataField{Name: attr.Name(), OpType: "continuous", DataType: "double"}
		if cat, ok := attr.(*api.CategoricalAttribute); ok {
			field.OpType, field.DataType = "categorical", "string"
			for _, c := range cat.Categories() {
				field.Values = append(field.Values, pmmlValue{Value: c})
			}
			if i == classIdx {
				classNames = cat.Categories()
			}
		}
		doc.DataDictionary.Fields = append(doc.DataDictionary.Fields, field)

		usage := "active"
		if i == classIdx {
			usage = "predicted"
		}
		doc.TreeModel.MiningSchema.Fields = append(doc.TreeModel.MiningSchema.Fields, pmmlMiningField{Name: attr.Name(), UsageType: usage})
	}
	doc.DataDictionary.NumberOfFields = len(doc.DataDictionary.Fields)

	names := make([]string, len(cfg.Attributes))
	for i, attr := range cfg.Attributes {
		names[i] = attr.Name()
	}
	root, err := dt.pmmlNode(0, names, classNames, nil)
	if err != nil {
		return nil, err
	}
	doc.TreeModel.Node = root

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (dt *DecisionTree) pmmlNode(idx int, fields, classNames []string, predicate *pmmlSimplePredicate) (pmmlNode, error) {
	node := dt.nodes[idx]
	out := pmmlNode{ID: idx, Predicate: predicate}
	if predicate == nil {
		out.True = &struct{}{}
	}

	best := 0
	for i, c := range node.Counts {
		out.RecordCount += c
		if c > node.Counts[best] {
			best = i
		}
		out.Distributions = append(out.Distributions, pmmlScoreDistribution{Value: className(classNames, i), RecordCount: c})
	}
	out.Score = className(classNames, best)

	if node.IsLeaf {
		return out, nil
	}
	if node.FeatureIdx < 0 || node.FeatureIdx >= len(fields) {
		return out, fmt.Errorf("feature index %d out of schema", node.FeatureIdx)
	}
	threshold := strconv.FormatFloat(node.Threshold, 'g', -1, 64)
	left, err := dt.pmmlNode(node.LeftChild, fields, classNames, &pmmlSimplePredicate{
		Field: fields[node.FeatureIdx], Operator: "lessOrEqual", Value: threshold,
	})
	if err != nil {
		return out, err
	}
	right, err := dt.pmmlNode(node.RightChild, fields, classNames, &pmmlSimplePredicate{
		Field: fields[node.FeatureIdx], Operator: "greaterThan", Value: threshold,
	})
	if err != nil {
		return out, err
	}
	if node.MissingLeft {
		out.DefaultChild = strconv.Itoa(left.ID)
	} else {
		out.DefaultChild = strconv.Itoa(right.ID)
	}
	out.Nodes = []pmmlNode{left, right}
	return out, nil
}

func className(names []string, i int) string {
	if i < len(names) {
		return names[i]
	}
	return strconv.Itoa(i)
}

// ReadPMML parses a TreeModel written by DecisionTree.PMML.
func ReadPMML(r io.Reader) (*DecisionTree, error) {
	var doc pmmlDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: invalid PMML: %v", api.ErrConfig, err)
	}
	fieldIdx := make(map[string]int, len(doc.DataDictionary.Fields))
	for i, f := range doc.DataDictionary.Fields {
		fieldIdx[f.Name] = i
	}

	tree := &DecisionTree{maxDepth: defaultMaxDepth, numClasses: len(doc.TreeModel.Node.Distributions)}
	if tree.numClasses == 0 {
		return nil, fmt.Errorf("%w: PMML root node has no score distribution", api.ErrConfig)
	}
	if _, err := tree.appendPMML(doc.TreeModel.Node, fieldIdx); err != nil {
		return nil, err
	}
	if err := tree.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrConfig, err)
	}
	return tree, nil
}

// appendPMML flattens node in pre-order and returns its position.
func (dt *DecisionTree) appendPMML(node pmmlNode, fieldIdx map[string]int) (int, error) {
	pos := len(dt.nodes)
	counts := make([]float64, dt.numClasses)
	for i, d := range node.Distributions {
		if i < len(counts) {
			counts[i] = d.RecordCount
		}
	}
	dt.nodes = append(dt.nodes, TreeNode{FeatureIdx: -1, LeftChild: -1, RightChild: -1, Counts: counts, IsLeaf: true})

	switch len(node.Nodes) {
	case 0:
		return pos, nil
	case 2:
	default:
		return 0, fmt.Errorf("%w: PMML node %d must have zero or two children", api.ErrConfig, node.ID)
	}

	split := node.Nodes[0].Predicate
	if split == nil || split.Operator != "lessOrEqual" {
		return 0, fmt.Errorf("%w: PMML node %d: unsupported predicate", api.ErrConfig, node.ID)
	}
	feature, ok := fieldIdx[split.Field]
	if !ok {
		return 0, fmt.Errorf("%w: PMML field %q not in data dictionary", api.ErrConfig, split.Field)
	}
	threshold, err := strconv.ParseFloat(split.Value, 64)
	if err != nil || math.IsNaN(threshold) {
		return 0, fmt.Errorf("%w: PMML node %d: bad threshold %q", api.ErrConfig, node.ID, split.Value)
	}

	left, err := dt.appendPMML(node.Nodes[0], fieldIdx)
	if err != nil {
		return 0, err
	}
	right, err := dt.appendPMML(node.Nodes[1], fieldIdx)
	if err != nil {
		return 0, err
	}
	dt.nodes[pos] = TreeNode{
		FeatureIdx:  feature,
		Threshold:   threshold,
		LeftChild:   left,
		RightChild:  right,
		Counts:      counts,
		MissingLeft: node.DefaultChild == strconv.Itoa(node.Nodes[0].ID),
	}
	return pos, nil
}
