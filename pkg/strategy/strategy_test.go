package strategy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evaluate(t *testing.T, name, output, expected string, cfg map[string]any) *Outcome {
	t.Helper()
	out, err := NewEngine(nil).Evaluate(context.Background(), name, output, expected, cfg)
	require.NoError(t, err)
	return out
}

func TestCanonicalAliases(t *testing.T) {
	assert.Equal(t, "exact", Canonical("exact_match"))
	assert.Equal(t, "exact_multi", Canonical("exact_multi_match"))
	assert.Equal(t, "regex", Canonical("regex_match"))
	assert.Equal(t, "contains", Canonical("contains"))
}

func TestEvaluateUnknownStrategy(t *testing.T) {
	_, err := NewEngine(nil).Evaluate(context.Background(), "soundex", "a", "b", nil)
	assert.Error(t, err)
}

func TestExact(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		expected string
		cfg      map[string]any
		want     bool
	}{
		{"plain match", "hello", "hello", nil, true},
		{"plain mismatch", "hello", "world", nil, false},
		{"surrounding space trimmed", "  hello  ", "hello", nil, true},
		{"case sensitive by default", "Hello", "hello", nil, false},
		{"ignore_case", "Hello", "hello", map[string]any{"ignore_case": true}, true},
		{"ignore_whitespace collapses runs", "a  b\tc", "a b c", map[string]any{"ignore_whitespace": true}, true},
		{"whitespace significant by default", "a  b", "a b", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := evaluate(t, "exact", tt.output, tt.expected, tt.cfg)
			assert.Equal(t, tt.want, out.Passed)
			assert.Equal(t, tt.want, out.Details["match"])
		})
	}
}

func TestExactDetailsCarryStandardKeys(t *testing.T) {
	out := evaluate(t, "exact", "a", "a", nil)
	assert.Equal(t, "exact", out.Details["strategy"])
	assert.Equal(t, "a", out.Details["output"])
	assert.Equal(t, "a", out.Details["expected_output"])
}

func TestExactMultiAllPairsMustPass(t *testing.T) {
	cfg := map[string]any{
		"variables": map[string]any{
			"answer":   "Paris",
			"expected": "paris",
			"country":  "France",
		},
		"options": []any{"ignore_case"},
		"match_pairs": []any{
			map[string]any{
				"input_column":        "answer",
				"expected_value_type": "column",
				"expected_column":     "expected",
			},
			map[string]any{
				"input_column":         "country",
				"expected_value_type":  "fixed_value",
				"fixed_expected_value": "France",
			},
		},
	}
	out := evaluate(t, "exact_multi", "", "", cfg)
	assert.True(t, out.Passed)
	assert.Equal(t, 2, out.Details["total_pairs"])
	assert.Equal(t, 2, out.Details["passed_pairs"])
	assert.Empty(t, out.Details["failed_pairs"])
}

func TestExactMultiColumnLookupDefault(t *testing.T) {
	// expected_value_type defaults to "column", so a bare pair compares
	// two columns of the row.
	cfg := map[string]any{
		"variables": map[string]any{
			"question": "hi", "answer": "hi",
			"x": "1", "y": "2",
		},
		"options": []any{"ignore_case", "none_as_empty"},
		"match_pairs": []any{
			map[string]any{"input_column": "question", "expected_column": "answer"},
		},
	}
	out := evaluate(t, "exact_multi", "", "", cfg)
	assert.True(t, out.Passed)
	assert.Equal(t, 1, out.Details["passed_pairs"])
}

func TestExactMultiFailedPairsAreDescribed(t *testing.T) {
	cfg := map[string]any{
		"variables": map[string]any{"a": "1", "b": "2"},
		"match_pairs": []any{
			map[string]any{"input_column": "a", "expected_value_type": "fixed_value", "fixed_expected_value": "1"},
			map[string]any{"input_column": "b", "expected_value_type": "fixed_value", "fixed_expected_value": "3"},
		},
	}
	out := evaluate(t, "exact_multi", "", "", cfg)
	assert.False(t, out.Passed)
	assert.Equal(t, 1, out.Details["passed_pairs"])

	failed, ok := out.Details["failed_pairs"].([]string)
	require.True(t, ok)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0], "匹配对 2")
}

func TestExactMultiNoneAsEmpty(t *testing.T) {
	cfg := map[string]any{
		"variables": map[string]any{"present": ""},
		"options":   []any{"none_as_empty"},
		"match_pairs": []any{
			map[string]any{
				"input_column":    "missing",
				"expected_column": "present",
			},
		},
	}
	out := evaluate(t, "exact_multi", "", "", cfg)
	assert.True(t, out.Passed)

	// Without the option a missing column does not equal the empty string.
	delete(cfg, "options")
	assert.False(t, evaluate(t, "exact_multi", "", "", cfg).Passed)
}

func TestExactMultiJSONPathExtraction(t *testing.T) {
	cfg := map[string]any{
		"variables": map[string]any{
			"response": `{"result": {"city": "Tokyo"}}`,
		},
		"match_pairs": []any{
			map[string]any{
				"input_column":                 "response",
				"enable_input_json_extraction": true,
				"input_json_path":              "result.city",
				"expected_value_type":          "fixed_value",
				"fixed_expected_value":         "Tokyo",
			},
		},
	}
	out := evaluate(t, "exact_multi", "", "", cfg)
	assert.True(t, out.Passed)

	// Extraction only applies when its enable flag is set.
	pair := cfg["match_pairs"].([]any)[0].(map[string]any)
	pair["enable_input_json_extraction"] = false
	assert.False(t, evaluate(t, "exact_multi", "", "", cfg).Passed)

	// An unresolvable path fails the pair.
	pair["enable_input_json_extraction"] = true
	pair["input_json_path"] = "result.country"
	out = evaluate(t, "exact_multi", "", "", cfg)
	assert.False(t, out.Passed)
	failed, _ := out.Details["failed_pairs"].([]string)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0], "JSON解析失败")
}

func TestExactMultiMisconfiguredPairs(t *testing.T) {
	out := evaluate(t, "exact_multi", "", "", map[string]any{})
	assert.False(t, out.Passed)

	cfg := map[string]any{
		"variables": map[string]any{"a": "1"},
		"match_pairs": []any{
			map[string]any{"expected_column": "a"},
			map[string]any{"input_column": "a"},
			map[string]any{"input_column": "a", "expected_value_type": "fixed_value"},
		},
	}
	out = evaluate(t, "exact_multi", "", "", cfg)
	assert.False(t, out.Passed)
	assert.Equal(t, 0, out.Details["passed_pairs"])
	failed, _ := out.Details["failed_pairs"].([]string)
	assert.Len(t, failed, 3)
}

func TestContains(t *testing.T) {
	assert.True(t, evaluate(t, "contains", "the quick brown fox", "quick", nil).Passed)
	assert.False(t, evaluate(t, "contains", "the quick brown fox", "Quick", nil).Passed)
	assert.True(t, evaluate(t, "contains", "the quick brown fox", "Quick",
		map[string]any{"ignore_case": true}).Passed)
}

func TestRegex(t *testing.T) {
	out := evaluate(t, "regex", "order id: ABC-123", "", map[string]any{"pattern": `[A-Z]+-\d+`})
	assert.True(t, out.Passed)
	assert.Equal(t, 1, out.Details["match_count"])

	// Pattern defaults to the expected value.
	assert.True(t, evaluate(t, "regex", "version 2.0", `\d+\.\d+`, nil).Passed)
	assert.False(t, evaluate(t, "regex", "no digits here", `\d+`, nil).Passed)
}

func TestRegexFlags(t *testing.T) {
	assert.True(t, evaluate(t, "regex", "HELLO", "", map[string]any{
		"pattern": "hello", "ignore_case": true,
	}).Passed)
	assert.True(t, evaluate(t, "regex", "a\nb", "", map[string]any{
		"pattern": "^b$", "multiline": true,
	}).Passed)
	assert.True(t, evaluate(t, "regex", "a\nb", "", map[string]any{
		"pattern": "a.b", "dotall": true,
	}).Passed)
	assert.False(t, evaluate(t, "regex", "a\nb", "", map[string]any{
		"pattern": "a.b",
	}).Passed)
}

func TestRegexInvalidPattern(t *testing.T) {
	_, err := NewEngine(nil).Evaluate(context.Background(), "regex", "x", "", map[string]any{"pattern": "("})
	assert.Error(t, err)
}

func TestKeywords(t *testing.T) {
	cfg := map[string]any{"keywords": []any{"alpha", "beta", "gamma"}}
	assert.True(t, evaluate(t, "keywords", "alpha beta gamma delta", "", cfg).Passed)
	assert.False(t, evaluate(t, "keywords", "alpha beta", "", cfg).Passed)

	cfg["required_count"] = 2
	out := evaluate(t, "keywords", "alpha beta", "", cfg)
	assert.True(t, out.Passed)
	assert.Equal(t, 2, out.Details["found_count"])
}

func TestJSONStructure(t *testing.T) {
	cfg := map[string]any{"required_fields": []any{"name", "age"}}
	assert.True(t, evaluate(t, "json_structure", `{"name": "x", "age": 3}`, "", cfg).Passed)

	out := evaluate(t, "json_structure", `{"name": "x"}`, "", cfg)
	assert.False(t, out.Passed)
	assert.Equal(t, []string{"age"}, out.Details["missing_fields"])

	// Required fields default to the expected value's top-level keys.
	assert.True(t, evaluate(t, "json_structure", `{"a": 1, "b": 2}`, `{"a": 0, "b": 0}`, nil).Passed)
	assert.False(t, evaluate(t, "json_structure", `{"a": 1}`, `{"a": 0, "b": 0}`, nil).Passed)

	assert.False(t, evaluate(t, "json_structure", `not json`, "", cfg).Passed)
}

func TestNumericDistanceThreshold(t *testing.T) {
	cfg := map[string]any{"threshold": 0.5}
	assert.True(t, evaluate(t, "numeric_distance", "3.2", "3.0", cfg).Passed)
	assert.False(t, evaluate(t, "numeric_distance", "4.0", "3.0", cfg).Passed)

	// Numbers embedded in prose are extracted.
	assert.True(t, evaluate(t, "numeric_distance", "the answer is 42 units", "42", cfg).Passed)

	out := evaluate(t, "numeric_distance", "no numbers", "42", cfg)
	assert.False(t, out.Passed)
	assert.Contains(t, out.Details, "error")
}

func TestNumericDistancePercentage(t *testing.T) {
	cfg := map[string]any{"percentage_threshold": true, "percentage_value": 10.0}
	assert.True(t, evaluate(t, "numeric_distance", "105", "100", cfg).Passed)
	assert.False(t, evaluate(t, "numeric_distance", "120", "100", cfg).Passed)

	// percentage_value defaults to 5%.
	cfg = map[string]any{"percentage_threshold": true}
	out := evaluate(t, "numeric_distance", "105", "100", cfg)
	assert.True(t, out.Passed)
	assert.Equal(t, 5.0, out.Details["percentage_diff"])
	assert.False(t, evaluate(t, "numeric_distance", "106", "100", cfg).Passed)

	// A zero expectation falls back to the absolute threshold.
	assert.True(t, evaluate(t, "numeric_distance", "0", "0", cfg).Passed)
}

func TestCosineSimilarity(t *testing.T) {
	out := evaluate(t, "cosine_similarity", "the cat sat", "the cat sat", nil)
	assert.True(t, out.Passed)
	assert.Equal(t, 1.0, out.Details["similarity"])
	assert.Equal(t, SimulatedSimilarityWarning, out.Details["warning"])

	assert.False(t, evaluate(t, "cosine_similarity", "completely different words", "nothing shared here", nil).Passed)

	// Threshold is tunable.
	out = evaluate(t, "cosine_similarity", "a b c d", "a b x y", map[string]any{"threshold": 0.3})
	assert.True(t, out.Passed)
}

func TestJSONExtraction(t *testing.T) {
	doc := `{"items": [{"name": "first"}, {"name": "second"}], "total": 2}`

	out := evaluate(t, "json_extraction", doc, "", map[string]any{"json_path": "items[0].name"})
	assert.True(t, out.Passed)
	assert.Equal(t, "first", out.Value)

	out = evaluate(t, "json_extraction", doc, "first", map[string]any{"json_path": "items[0].name"})
	assert.True(t, out.Passed)

	out = evaluate(t, "json_extraction", doc, "second", map[string]any{"json_path": "items[0].name"})
	assert.False(t, out.Passed)

	out = evaluate(t, "json_extraction", doc, "2", map[string]any{"json_path": "total"})
	assert.True(t, out.Passed)

	// Missing path yields nil and fails.
	out = evaluate(t, "json_extraction", doc, "", map[string]any{"json_path": "items[5].name"})
	assert.False(t, out.Passed)
	assert.Nil(t, out.Value)
}

func TestParseValue(t *testing.T) {
	out := evaluate(t, "parse_value", "42", "", map[string]any{"target_type": "number"})
	assert.True(t, out.Passed)
	assert.Equal(t, int64(42), out.Value)

	out = evaluate(t, "parse_value", "3.14", "", map[string]any{"target_type": "number"})
	assert.Equal(t, 3.14, out.Value)

	out = evaluate(t, "parse_value", "abc", "", map[string]any{"target_type": "number"})
	assert.False(t, out.Passed)
	assert.Contains(t, out.Details, "error")

	for _, spelling := range []string{"true", "YES", "1", "y"} {
		out = evaluate(t, "parse_value", spelling, "", map[string]any{"target_type": "boolean"})
		assert.Equal(t, true, out.Value, spelling)
	}
	out = evaluate(t, "parse_value", "no", "", map[string]any{"target_type": "boolean"})
	assert.Equal(t, false, out.Value)

	out = evaluate(t, "parse_value", `{"k": [1]}`, "", map[string]any{"target_type": "json"})
	assert.True(t, out.Passed)
	assert.Equal(t, map[string]any{"k": []any{float64(1)}}, out.Value)

	out = evaluate(t, "parse_value", "anything", "", nil)
	assert.Equal(t, "anything", out.Value)
}

func TestParseValueComparesExpected(t *testing.T) {
	cfg := map[string]any{"target_type": "number"}
	assert.True(t, evaluate(t, "parse_value", "42", "42.0", cfg).Passed)
	assert.False(t, evaluate(t, "parse_value", "42", "43", cfg).Passed)
	assert.False(t, evaluate(t, "parse_value", "42", "abc", cfg).Passed)

	cfg = map[string]any{"target_type": "json"}
	assert.True(t, evaluate(t, "parse_value", `{"a":1}`, `{"a": 1}`, cfg).Passed)
	assert.False(t, evaluate(t, "parse_value", `{"a":1}`, `{"a": 2}`, cfg).Passed)
}

func TestStaticValue(t *testing.T) {
	out := evaluate(t, "static_value", "ignored", "", map[string]any{"static_value": "constant"})
	assert.True(t, out.Passed)
	assert.Equal(t, "constant", out.Value)
	assert.Equal(t, "constant", out.Details["static_value"])
}

func TestTypeValidation(t *testing.T) {
	assert.True(t, evaluate(t, "type_validation", `{"a": 1}`, "", map[string]any{"validation_type": "json"}).Passed)
	assert.False(t, evaluate(t, "type_validation", `nope`, "", map[string]any{"validation_type": "json"}).Passed)

	// The validation type defaults to json.
	assert.True(t, evaluate(t, "type_validation", `[1, 2]`, "", nil).Passed)
	assert.False(t, evaluate(t, "type_validation", `nope`, "", nil).Passed)

	assert.True(t, evaluate(t, "type_validation", "12.5", "", map[string]any{"validation_type": "number"}).Passed)
	assert.False(t, evaluate(t, "type_validation", "twelve", "", map[string]any{"validation_type": "number"}).Passed)

	for _, stmt := range []string{
		"SELECT id FROM users",
		"insert into t (a) values (1)",
		"UPDATE t SET a = 1",
		"delete from t where id = 1",
	} {
		assert.True(t, evaluate(t, "type_validation", stmt, "", map[string]any{"validation_type": "sql"}).Passed, stmt)
	}
	assert.False(t, evaluate(t, "type_validation", "DROP TABLE t", "", map[string]any{"validation_type": "sql"}).Passed)

	out := evaluate(t, "type_validation", "x", "", map[string]any{"validation_type": "xml"})
	assert.False(t, out.Passed)
	assert.Contains(t, out.Details, "error")
}

func TestCoalesce(t *testing.T) {
	out := evaluate(t, "coalesce", "from output", "from expected", nil)
	assert.Equal(t, "from expected", out.Value)
	assert.Equal(t, "expected", out.Details["source"])

	out = evaluate(t, "coalesce", "from output", "", nil)
	assert.Equal(t, "from output", out.Value)

	out = evaluate(t, "coalesce", "  ", "", map[string]any{"values": []any{"fallback"}})
	assert.Equal(t, "fallback", out.Value)
	assert.Equal(t, "config", out.Details["source"])

	// All-empty still passes; the coalesced value is nil.
	out = evaluate(t, "coalesce", "", "", nil)
	assert.True(t, out.Passed)
	assert.Nil(t, out.Value)
	assert.Nil(t, out.Details["coalesced_value"])
}

func TestCount(t *testing.T) {
	out := evaluate(t, "count", "hello", "", nil)
	assert.Equal(t, 5, out.Value)
	assert.True(t, out.Passed)

	out = evaluate(t, "count", "one two three", "", map[string]any{"count_type": "words"})
	assert.Equal(t, 3, out.Value)

	out = evaluate(t, "count", "p1\n\np2\n\n\n\np3", "", map[string]any{"count_type": "paragraphs"})
	assert.Equal(t, 3, out.Value)

	out = evaluate(t, "count", "abc", "3", nil)
	assert.True(t, out.Passed)
	out = evaluate(t, "count", "abcd", "3", nil)
	assert.False(t, out.Passed)

	// A non-numeric expectation is a configuration error.
	out = evaluate(t, "count", "abc", "three", nil)
	assert.False(t, out.Passed)
	assert.Equal(t, "期望值不是有效的数字", out.Details["error"])

	out = evaluate(t, "count", "x", "", map[string]any{"count_type": "sentences"})
	assert.False(t, out.Passed)
	assert.Contains(t, out.Details, "error")
}

type fakeGrader struct {
	response string
	err      error

	lastProjectID int64
	lastPrompt    string
}

func (g *fakeGrader) Grade(_ context.Context, projectID int64, prompt string) (string, error) {
	g.lastProjectID = projectID
	g.lastPrompt = prompt
	return g.response, g.err
}

func TestLLMAssertion(t *testing.T) {
	grader := &fakeGrader{response: `{"passed": true, "explanation": "matches the rubric"}`}
	engine := NewEngine(grader)

	out, err := engine.Evaluate(context.Background(), "llm_assertion", "the sky is blue", "blue",
		map[string]any{"assertion": "颜色必须一致", "project_id": float64(7)})
	require.NoError(t, err)
	assert.True(t, out.Passed)
	assert.Equal(t, "matches the rubric", out.Details["explanation"])
	assert.Equal(t, int64(7), grader.lastProjectID)
	assert.Contains(t, grader.lastPrompt, "颜色必须一致")
	assert.Contains(t, grader.lastPrompt, "the sky is blue")
}

func TestLLMAssertionFencedResponse(t *testing.T) {
	grader := &fakeGrader{response: "Here is my verdict:\n```json\n{\"passed\": false, \"explanation\": \"mismatch\"}\n```"}
	out, err := NewEngine(grader).Evaluate(context.Background(), "llm_assertion", "a", "b", nil)
	require.NoError(t, err)
	assert.False(t, out.Passed)
	assert.Equal(t, "mismatch", out.Details["explanation"])
}

func TestLLMAssertionKeywordFallback(t *testing.T) {
	grader := &fakeGrader{response: "the assertion is true, well done"}
	out, err := NewEngine(grader).Evaluate(context.Background(), "llm_assertion", "a", "b", nil)
	require.NoError(t, err)
	assert.True(t, out.Passed)
	assert.Equal(t, false, out.Details["parsed_json"])
}

func TestLLMAssertionGraderError(t *testing.T) {
	grader := &fakeGrader{err: errors.New("network unreachable")}
	_, err := NewEngine(grader).Evaluate(context.Background(), "llm_assertion", "a", "b", nil)
	assert.Error(t, err)
}

func TestLLMAssertionWithoutGrader(t *testing.T) {
	_, err := NewEngine(nil).Evaluate(context.Background(), "llm_assertion", "a", "b", nil)
	assert.Error(t, err)
}
