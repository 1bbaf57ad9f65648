package pipeline

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fosgate/api"
)

// CleaningRule rewrites or rejects one training row.
type CleaningRule interface {
	Apply(row []any) ([]any, error)
	Name() string
}

// QualityIssue describes a rejected row.
type QualityIssue struct {
	Rule    string `json:"rule"`
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// CleaningStats counts rows seen by a RowCleaner.
type CleaningStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Passed         int64            `json:"passed"`
	Rejected       int64            `json:"rejected"`
	Issues         map[string]int64 `json:"issues"`
	LastClean      time.Time        `json:"last_clean"`
}

// RowCleaner applies its rules in order; the first failing rule rejects the row.
type RowCleaner struct {
	rules  []CleaningRule
	logger *zap.Logger

	mu    sync.Mutex
	stats CleaningStats
}

// NewRowCleaner returns a cleaner with the default rules for a schema of width columns.
func NewRowCleaner(width int, logger *zap.Logger) *RowCleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &RowCleaner{
		logger: logger,
		stats:  CleaningStats{Issues: make(map[string]int64)},
	}
	c.AddRule(TrimRule{})
	c.AddRule(MissingTokenRule{})
	c.AddRule(WidthRule{Width: width})
	return c
}

func (c *RowCleaner) AddRule(rule CleaningRule) {
	c.rules = append(c.rules, rule)
}

// Clean returns the rows that passed every rule. Line numbers in issues are 1-based.
func (c *RowCleaner) Clean(rows [][]any) ([][]any, []QualityIssue) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cleaned := make([][]any, 0, len(rows))
	var issues []QualityIssue
	for i, row := range rows {
		c.stats.TotalProcessed++
		out, issue := c.apply(row)
		if issue != nil {
			issue.Line = i + 1
			issues = append(issues, *issue)
			c.stats.Rejected++
			c.stats.Issues[issue.Rule]++
			c.logger.Debug("row rejected", zap.Int("line", issue.Line), zap.String("rule", issue.Rule), zap.String("reason", issue.Message))
			continue
		}
		c.stats.Passed++
		cleaned = append(cleaned, out)
	}
	c.stats.LastClean = time.Now()
	return cleaned, issues
}

func (c *RowCleaner) apply(row []any) ([]any, *QualityIssue) {
	for _, rule := range c.rules {
		out, err := rule.Apply(row)
		if err != nil {
			return nil, &QualityIssue{Rule: rule.Name(), Message: err.Error()}
		}
		row = out
	}
	return row, nil
}

func (c *RowCleaner) Stats() CleaningStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.Issues = make(map[string]int64, len(c.stats.Issues))
	for k, v := range c.stats.Issues {
		stats.Issues[k] = v
	}
	return stats
}

// TrimRule strips surrounding whitespace from string cells.
type TrimRule struct{}

func (TrimRule) Name() string { return "trim" }

func (TrimRule) Apply(row []any) ([]any, error) {
	for i, v := range row {
		if s, ok := v.(string); ok {
			row[i] = strings.TrimSpace(s)
		}
	}
	return row, nil
}

// MissingTokenRule turns "?" and empty cells into nil.
type MissingTokenRule struct{}

func (MissingTokenRule) Name() string { return "missing_token" }

func (MissingTokenRule) Apply(row []any) ([]any, error) {
	for i, v := range row {
		if s, ok := v.(string); ok && (s == api.MissingValueStr || s == "") {
			row[i] = nil
		}
	}
	return row, nil
}

// WidthRule rejects rows whose column count differs from the schema.
type WidthRule struct {
	Width int
}

func (WidthRule) Name() string { return "width" }

func (r WidthRule) Apply(row []any) ([]any, error) {
	if r.Width > 0 && len(row) != r.Width {
		return nil, fmt.Errorf("expected %d columns, got %d", r.Width, len(row))
	}
	return row, nil
}
