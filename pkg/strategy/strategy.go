// Package strategy implements the evaluation predicate library. Every
// strategy compares a produced output against an expectation (or derives
// a value from the output) and reports a structured Outcome. Strategies
// are pure except llm_assertion, which delegates to a Grader.
package strategy

import (
	"context"
	"fmt"

	"github.com/prompthub/evalengine/pkg/models"
)

// Grader runs the llm_assertion rubric prompt against the project's
// configured evaluation model and returns the raw model response.
type Grader interface {
	Grade(ctx context.Context, projectID int64, prompt string) (string, error)
}

// Outcome is the uniform result of a strategy run.
//
// Passed is the verdict. Value carries the produced value for
// derivation strategies (json_extraction, parse_value, static_value,
// coalesce, count) and the verdict for predicates. Details always
// includes strategy, output, expected_output and match, plus
// strategy-specific keys.
type Outcome struct {
	Passed  bool
	Value   any
	Details map[string]any
}

// Engine dispatches strategy evaluations.
type Engine struct {
	grader Grader
}

// NewEngine creates a strategy engine. grader may be nil when
// llm_assertion columns are not in use.
func NewEngine(grader Grader) *Engine {
	return &Engine{grader: grader}
}

// Canonical maps legacy strategy aliases to their canonical names.
func Canonical(name string) string {
	switch name {
	case "exact_match":
		return models.ColumnTypeExact
	case "exact_multi_match":
		return models.ColumnTypeExactMulti
	case "regex_match":
		return models.ColumnTypeRegex
	}
	return name
}

// Evaluate runs the named strategy. config is the column's JSON config;
// strategies read their own keys and ignore the rest.
func (e *Engine) Evaluate(ctx context.Context, name, output, expected string, config map[string]any) (*Outcome, error) {
	if config == nil {
		config = map[string]any{}
	}

	var (
		passed  bool
		value   any
		details map[string]any
		err     error
	)

	switch Canonical(name) {
	case models.ColumnTypeExact:
		passed, details = evalExact(output, expected, config)
		value = passed
	case models.ColumnTypeExactMulti:
		passed, details = evalExactMulti(output, expected, config)
		value = passed
	case models.ColumnTypeContains:
		passed, details = evalContains(output, expected, config)
		value = passed
	case models.ColumnTypeRegex:
		passed, details, err = evalRegex(output, expected, config)
		value = passed
	case models.ColumnTypeKeywords:
		passed, details = evalKeywords(output, config)
		value = passed
	case models.ColumnTypeJSONStructure:
		passed, details = evalJSONStructure(output, expected, config)
		value = passed
	case models.ColumnTypeNumericDistance:
		passed, details = evalNumericDistance(output, expected, config)
		value = passed
	case models.ColumnTypeLLMAssertion:
		passed, details, err = e.evalLLMAssertion(ctx, output, expected, config)
		value = passed
	case models.ColumnTypeCosineSimilarity:
		passed, details = evalCosineSimilarity(output, expected, config)
		value = passed
	case models.ColumnTypeJSONExtraction:
		passed, value, details = evalJSONExtraction(output, expected, config)
	case models.ColumnTypeParseValue:
		passed, value, details = evalParseValue(output, expected, config)
	case models.ColumnTypeStaticValue:
		passed, value, details = evalStaticValue(config)
	case models.ColumnTypeTypeValidation:
		passed, details = evalTypeValidation(output, config)
		value = passed
	case models.ColumnTypeCoalesce:
		passed, value, details = evalCoalesce(output, expected, config)
	case models.ColumnTypeCount:
		passed, value, details = evalCount(output, expected, config)
	default:
		return nil, fmt.Errorf("unknown evaluation strategy: %s", name)
	}
	if err != nil {
		return nil, err
	}

	if details == nil {
		details = map[string]any{}
	}
	details["strategy"] = Canonical(name)
	details["output"] = output
	details["expected_output"] = expected
	details["match"] = passed

	return &Outcome{Passed: passed, Value: value, Details: details}, nil
}

// Config accessors tolerant of JSON decoding types.

func cfgString(cfg map[string]any, key string) (string, bool) {
	v, ok := cfg[key].(string)
	return v, ok
}

func cfgBool(cfg map[string]any, key string) bool {
	v, _ := cfg[key].(bool)
	return v
}

func cfgFloat(cfg map[string]any, key string) (float64, bool) {
	switch v := cfg[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func cfgInt(cfg map[string]any, key string) (int, bool) {
	f, ok := cfgFloat(cfg, key)
	return int(f), ok
}

func cfgList(cfg map[string]any, key string) []any {
	v, _ := cfg[key].([]any)
	return v
}

func cfgStringList(cfg map[string]any, key string) []string {
	var out []string
	for _, e := range cfgList(cfg, key) {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
