package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fosgate/api"
	"fosgate/db"
	"fosgate/pipeline"
	"fosgate/rpc"
)

func main() {
	server := flag.String("server", "localhost:1099", "control plane address")
	configPath := flag.String("config", "", "model config (JSON)")
	dataPath := flag.String("data", "", "training instances (CSV)")
	modelPath := flag.String("model_path", "./models/fraud.model", "binary model output path")
	pmmlPath := flag.String("pmml", "", "also export PMML to this path on the server host")
	compress := flag.Bool("compress", false, "gzip the PMML export")
	testRatio := flag.Float64("test_ratio", 0.2, "share of instances held out for evaluation")
	keep := flag.Bool("keep", false, "leave the trained model registered")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall deadline")
	flag.Parse()

	if *configPath == "" || *dataPath == "" {
		log.Fatal("config and data are required")
	}

	cfg, err := api.LoadModelConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load model config: %v", err)
	}
	instances, err := readInstances(cfg, *dataPath)
	if err != nil {
		log.Fatalf("failed to read training data: %v", err)
	}
	train, test := splitDataset(instances, *testRatio)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	logger, _ := zap.NewDevelopment()
	client := rpc.NewClient(*server, rpc.WithClientLogger(logger))
	defer client.Close()

	model, err := client.Train(ctx, cfg, train)
	if err != nil {
		log.Fatalf("failed to train model: %v", err)
	}
	binary, ok := model.(api.ModelBinary)
	if !ok {
		log.Fatalf("server returned a %T, want a binary model", model)
	}
	if err := db.WriteBinary(*modelPath, binary.Data); err != nil {
		log.Fatalf("failed to save model: %v", err)
	}
	fmt.Printf("model saved to %s\n", *modelPath)

	if len(test) == 0 && *pmmlPath == "" && !*keep {
		return
	}

	id, err := client.AddModel(ctx, cfg, model)
	if err != nil {
		log.Fatalf("failed to register model: %v", err)
	}
	if !*keep {
		defer func() {
			if err := client.RemoveModel(context.Background(), id); err != nil {
				log.Printf("failed to remove model %s: %v", id, err)
			}
		}()
	}

	if len(test) > 0 {
		accuracy, err := evaluateModel(ctx, client, cfg, id, test)
		if err != nil {
			log.Printf("evaluation failed: %v", err)
		} else {
			log.Printf("accuracy=%.2f on %d held-out instances", accuracy, len(test))
		}
	}
	if *pmmlPath != "" {
		if err := client.SaveAsPMML(ctx, id, *pmmlPath, *compress); err != nil {
			log.Printf("failed to export PMML: %v", err)
		} else {
			fmt.Printf("PMML written to %s on the server\n", *pmmlPath)
		}
	}
	if *keep {
		fmt.Printf("model registered as %s\n", id)
	}
}

func readInstances(cfg *api.ModelConfig, path string) ([][]any, error) {
	rows, err := pipeline.ReadInstances(path, cfg.Property(api.PropertyCharset))
	if err != nil {
		return nil, err
	}
	cleaner := pipeline.NewRowCleaner(len(cfg.Attributes), nil)
	clean, issues := cleaner.Clean(rows)
	for _, issue := range issues {
		log.Printf("skipping line %d: %s", issue.Line, issue.Message)
	}
	return clean, nil
}

func splitDataset(instances [][]any, testRatio float64) (train, test [][]any) {
	if testRatio <= 0 || testRatio >= 1 {
		return instances, nil
	}
	split := int(float64(len(instances)) * (1 - testRatio))
	return instances[:split], instances[split:]
}

// evaluateModel scores the held-out instances with their label hidden and
// compares the most probable class with the label.
func evaluateModel(ctx context.Context, client *rpc.Client, cfg *api.ModelConfig, id uuid.UUID, test [][]any) (float64, error) {
	classIdx, class, err := classAttribute(cfg)
	if err != nil {
		return 0, err
	}

	scorables := make([][]any, len(test))
	for i, row := range test {
		scorable := append([]any(nil), row...)
		scorable[classIdx] = nil
		scorables[i] = scorable
	}
	scorer, err := client.GetScorer(ctx)
	if err != nil {
		return 0, err
	}
	defer scorer.Close()
	scores, err := api.ScoreInstances(ctx, scorer, id, scorables)
	if err != nil {
		return 0, err
	}

	var correct int
	for i, row := range test {
		if argmax(scores[i]) == categoryIndex(class, row[classIdx]) {
			correct++
		}
	}
	return float64(correct) / float64(len(test)), nil
}

// classAttribute returns the class column as the trainer sees it: marked as
// class, so its indexes match the trained score vectors.
func classAttribute(cfg *api.ModelConfig) (int, *api.CategoricalAttribute, error) {
	schema := cfg.Clone()
	classIdx, err := schema.ClassIndex()
	if err != nil {
		return 0, nil, err
	}
	class, ok := schema.Attributes[classIdx].(*api.CategoricalAttribute)
	if !ok {
		return 0, nil, fmt.Errorf("%w: class attribute is not categorical", api.ErrConfig)
	}
	class.SetClass()
	return classIdx, class, nil
}

func argmax(v []float64) int {
	best := -1
	for i, s := range v {
		if best < 0 || s > v[best] {
			best = i
		}
	}
	return best
}

func categoryIndex(class *api.CategoricalAttribute, label any) int {
	idx, err := class.Parse(label, api.Training)
	if err != nil || api.IsMissing(idx) {
		return -1
	}
	return int(idx)
}
