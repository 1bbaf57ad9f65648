package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

const defaultMaxDepth = 8

type DecisionTree struct {
	maxDepth   int
	numClasses int
	nodes      []TreeNode
}

type TreeNode struct {
	FeatureIdx int       `json:"feature_idx"`
	Threshold  float64   `json:"threshold"`
	LeftChild  int       `json:"left_child"`
	RightChild int       `json:"right_child"`
	Counts     []float64 `json:"counts"`
	IsLeaf     bool      `json:"is_leaf"`
	// MissingLeft sends missing feature values down the left branch.
	MissingLeft bool `json:"missing_left"`
}

func NewDecisionTree(maxDepth, numClasses int) *DecisionTree {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	return &DecisionTree{maxDepth: maxDepth, numClasses: numClasses}
}

func (dt *DecisionTree) Train(features [][]float64, labels []int) error {
	if len(features) == 0 || len(labels) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	for _, label := range labels {
		if label < 0 {
			return fmt.Errorf("invalid label %d", label)
		}
		if label >= dt.numClasses {
			dt.numClasses = label + 1
		}
	}
	if dt.maxDepth <= 0 {
		dt.maxDepth = defaultMaxDepth
	}

	dt.nodes = dt.buildNode(features, labels, 0)
	return nil
}

// Score walks the tree and returns the class distribution of the reached leaf.
func (dt *DecisionTree) Score(features []float64) ([]float64, error) {
	if len(dt.nodes) == 0 {
		return nil, errors.New("model not trained")
	}
	idx := 0
	for {
		node := dt.nodes[idx]
		if node.IsLeaf {
			return distribution(node.Counts, dt.numClasses), nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return nil, errors.New("feature index out of range")
		}
		value := features[node.FeatureIdx]
		switch {
		case math.IsNaN(value):
			if node.MissingLeft {
				idx = node.LeftChild
			} else {
				idx = node.RightChild
			}
		case value <= node.Threshold:
			idx = node.LeftChild
		default:
			idx = node.RightChild
		}
		if idx < 0 || idx >= len(dt.nodes) {
			return nil, errors.New("invalid tree state")
		}
	}
}

type treeJSON struct {
	MaxDepth   int        `json:"max_depth"`
	NumClasses int        `json:"num_classes"`
	Nodes      []TreeNode `json:"nodes"`
}

func (dt *DecisionTree) MarshalJSON() ([]byte, error) {
	return json.Marshal(treeJSON{MaxDepth: dt.maxDepth, NumClasses: dt.numClasses, Nodes: dt.nodes})
}

func (dt *DecisionTree) UnmarshalJSON(data []byte) error {
	var raw treeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	tree := DecisionTree{maxDepth: raw.MaxDepth, numClasses: raw.NumClasses, nodes: raw.Nodes}
	if err := tree.validate(); err != nil {
		return err
	}
	*dt = tree
	return nil
}

// validate checks a decoded tree: children sit strictly after their parent,
// so Score always reaches a leaf, and every node holds one count per class.
func (dt *DecisionTree) validate() error {
	if len(dt.nodes) == 0 {
		return errors.New("model not trained")
	}
	if dt.numClasses <= 0 {
		return fmt.Errorf("invalid class count %d", dt.numClasses)
	}
	for i, node := range dt.nodes {
		if len(node.Counts) != dt.numClasses {
			return fmt.Errorf("node %d: %d class counts, want %d", i, len(node.Counts), dt.numClasses)
		}
		if node.IsLeaf {
			continue
		}
		if node.FeatureIdx < 0 {
			return fmt.Errorf("node %d: invalid feature index %d", i, node.FeatureIdx)
		}
		for _, child := range []int{node.LeftChild, node.RightChild} {
			if child <= i || child >= len(dt.nodes) {
				return fmt.Errorf("node %d: invalid child %d", i, child)
			}
		}
	}
	return nil
}

// MarshalBinary encodes the tree inside the classifier envelope.
func (dt *DecisionTree) MarshalBinary() ([]byte, error) {
	if len(dt.nodes) == 0 {
		return nil, errors.New("model not trained")
	}
	return encodeEnvelope(typeDecisionTree, dt)
}

func (dt *DecisionTree) buildNode(features [][]float64, labels []int, depth int) []TreeNode {
	leaf := []TreeNode{{
		FeatureIdx: -1,
		LeftChild:  -1,
		RightChild: -1,
		Counts:     classCounts(labels, dt.numClasses),
		IsLeaf:     true,
	}}
	if depth >= dt.maxDepth || isPure(labels) {
		return leaf
	}

	bestFeature, threshold, ok := findBestSplit(features, labels)
	if !ok {
		return leaf
	}

	leftFeatures, leftLabels, rightFeatures, rightLabels, missingLeft := splitData(features, labels, bestFeature, threshold)
	if len(leftLabels) == 0 || len(rightLabels) == 0 {
		return leaf
	}

	leftNodes := dt.buildNode(leftFeatures, leftLabels, depth+1)
	rightNodes := dt.buildNode(rightFeatures, rightLabels, depth+1)

	root := TreeNode{
		FeatureIdx:  bestFeature,
		Threshold:   threshold,
		LeftChild:   1,
		RightChild:  1 + len(leftNodes),
		Counts:      leaf[0].Counts,
		MissingLeft: missingLeft,
	}

	nodes := make([]TreeNode, 0, 1+len(leftNodes)+len(rightNodes))
	nodes = append(nodes, root)
	nodes = append(nodes, offsetNodes(leftNodes, 1)...)
	nodes = append(nodes, offsetNodes(rightNodes, 1+len(leftNodes))...)
	return nodes
}

// offsetNodes shifts child references of a subtree placed at position offset.
func offsetNodes(nodes []TreeNode, offset int) []TreeNode {
	for i := range nodes {
		if nodes[i].IsLeaf {
			continue
		}
		nodes[i].LeftChild += offset
		nodes[i].RightChild += offset
	}
	return nodes
}

func findBestSplit(features [][]float64, labels []int) (int, float64, bool) {
	featureCount := len(features[0])
	bestFeature := -1
	bestThreshold := 0.0
	bestImpurity := math.MaxFloat64

	for featureIdx := 0; featureIdx < featureCount; featureIdx++ {
		values := make([]float64, 0, len(features))
		for i := range features {
			if v := features[i][featureIdx]; !math.IsNaN(v) {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			continue
		}
		threshold := median(values)
		leftLabels, rightLabels := splitLabels(features, labels, featureIdx, threshold)
		if len(leftLabels) == 0 || len(rightLabels) == 0 {
			continue
		}
		impurity := weightedGini(leftLabels, rightLabels)
		if impurity < bestImpurity {
			bestImpurity = impurity
			bestFeature = featureIdx
			bestThreshold = threshold
		}
	}
	if bestFeature == -1 {
		return -1, 0, false
	}
	return bestFeature, bestThreshold, true
}

// splitData partitions rows on threshold. Rows missing the feature join the
// larger side, which is reported through missingLeft.
func splitData(features [][]float64, labels []int, featureIdx int, threshold float64) ([][]float64, []int, [][]float64, []int, bool) {
	var leftFeatures, rightFeatures, missingFeatures [][]float64
	var leftLabels, rightLabels, missingLabels []int
	for i, feature := range features {
		switch v := feature[featureIdx]; {
		case math.IsNaN(v):
			missingFeatures = append(missingFeatures, feature)
			missingLabels = append(missingLabels, labels[i])
		case v <= threshold:
			leftFeatures = append(leftFeatures, feature)
			leftLabels = append(leftLabels, labels[i])
		default:
			rightFeatures = append(rightFeatures, feature)
			rightLabels = append(rightLabels, labels[i])
		}
	}
	missingLeft := len(leftLabels) >= len(rightLabels)
	if missingLeft {
		leftFeatures = append(leftFeatures, missingFeatures...)
		leftLabels = append(leftLabels, missingLabels...)
	} else {
		rightFeatures = append(rightFeatures, missingFeatures...)
		rightLabels = append(rightLabels, missingLabels...)
	}
	return leftFeatures, leftLabels, rightFeatures, rightLabels, missingLeft
}

func splitLabels(features [][]float64, labels []int, featureIdx int, threshold float64) ([]int, []int) {
	leftLabels := make([]int, 0)
	rightLabels := make([]int, 0)
	for i, feature := range features {
		v := feature[featureIdx]
		if math.IsNaN(v) {
			continue
		}
		if v <= threshold {
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftLabels, rightLabels
}

func weightedGini(leftLabels, rightLabels []int) float64 {
	leftWeight := float64(len(leftLabels))
	rightWeight := float64(len(rightLabels))
	total := leftWeight + rightWeight
	return (leftWeight/total)*gini(leftLabels) + (rightWeight/total)*gini(rightLabels)
}

func gini(labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	counts := make(map[int]int)
	for _, label := range labels {
		counts[label]++
	}
	impurity := 1.0
	for _, count := range counts {
		prob := float64(count) / float64(len(labels))
		impurity -= prob * prob
	}
	return impurity
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func classCounts(labels []int, numClasses int) []float64 {
	counts := make([]float64, numClasses)
	for _, label := range labels {
		counts[label]++
	}
	return counts
}

func distribution(counts []float64, numClasses int) []float64 {
	scores := make([]float64, numClasses)
	var total float64
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return scores
	}
	for i := 0; i < numClasses && i < len(counts); i++ {
		scores[i] = counts[i] / total
	}
	return scores
}

func isPure(labels []int) bool {
	if len(labels) == 0 {
		return true
	}
	first := labels[0]
	for _, label := range labels[1:] {
		if label != first {
			return false
		}
	}
	return true
}
