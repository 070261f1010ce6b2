package strategy

import (
	"fmt"
	"regexp"
	"strings"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// normalize applies the shared comparison options: values are trimmed,
// ignore_whitespace collapses whitespace runs to a single space, and
// ignore_case lowercases.
func normalize(s string, ignoreCase, ignoreWhitespace bool) string {
	s = strings.TrimSpace(s)
	if ignoreWhitespace {
		s = whitespaceRun.ReplaceAllString(s, " ")
	}
	if ignoreCase {
		s = strings.ToLower(s)
	}
	return s
}

func evalExact(output, expected string, cfg map[string]any) (bool, map[string]any) {
	ignoreCase := cfgBool(cfg, "ignore_case")
	ignoreWS := cfgBool(cfg, "ignore_whitespace")

	no := normalize(output, ignoreCase, ignoreWS)
	ne := normalize(expected, ignoreCase, ignoreWS)

	return no == ne, map[string]any{
		"normalized_output":   no,
		"normalized_expected": ne,
		"ignore_case":         ignoreCase,
		"ignore_whitespace":   ignoreWS,
	}
}

// matchPair is one comparison of exact_multi: an input column against
// either another column or a fixed value, with optional JSON path
// extraction on either side.
type matchPair struct {
	InputColumn         string
	ExpectedValueType   string // "column" or "fixed_value"
	ExpectedColumn      string
	FixedExpectedValue  any
	InputJSONEnabled    bool
	InputJSONPath       string
	ExpectedJSONEnabled bool
	ExpectedJSONPath    string
}

func decodeMatchPair(raw map[string]any) matchPair {
	p := matchPair{ExpectedValueType: "column"}
	if v, ok := cfgString(raw, "input_column"); ok {
		p.InputColumn = v
	}
	if v, ok := cfgString(raw, "expected_value_type"); ok && v != "" {
		p.ExpectedValueType = v
	}
	if v, ok := cfgString(raw, "expected_column"); ok {
		p.ExpectedColumn = v
	}
	if v, exists := raw["fixed_expected_value"]; exists {
		p.FixedExpectedValue = v
	}
	p.InputJSONEnabled = cfgBool(raw, "enable_input_json_extraction")
	if v, ok := cfgString(raw, "input_json_path"); ok {
		p.InputJSONPath = v
	}
	p.ExpectedJSONEnabled = cfgBool(raw, "enable_expected_json_extraction")
	if v, ok := cfgString(raw, "expected_json_path"); ok {
		p.ExpectedJSONPath = v
	}
	return p
}

// pairString renders one side of a pair for comparison. nil stays
// distinguishable from the empty string unless none_as_empty mapped it
// away first.
func pairString(v any) string {
	if v == nil {
		return "<nil>"
	}
	return strings.TrimSpace(stringify(v))
}

func evalExactMulti(output, expected string, cfg map[string]any) (bool, map[string]any) {
	rawPairs := cfgList(cfg, "match_pairs")
	if len(rawPairs) == 0 {
		return false, map[string]any{"error": "未配置匹配对"}
	}

	options := cfgStringList(cfg, "options")
	optSet := map[string]bool{}
	for _, opt := range options {
		optSet[opt] = true
	}
	ignoreCase := optSet["ignore_case"]
	ignoreWS := optSet["ignore_whitespace"]
	noneAsEmpty := optSet["none_as_empty"]

	variables, _ := cfg["variables"].(map[string]any)

	var matchResults []any
	failedPairs := []string{}
	allPassed := true

	failPair := func(i int, result map[string]any, description string) {
		result["pair_index"] = i
		result["passed"] = false
		matchResults = append(matchResults, result)
		failedPairs = append(failedPairs, fmt.Sprintf("匹配对 %d: %s", i+1, description))
		allPassed = false
	}

	for i, raw := range rawPairs {
		rawMap, _ := raw.(map[string]any)
		pair := decodeMatchPair(rawMap)

		if pair.InputColumn == "" {
			failPair(i, map[string]any{"error": "输入列未配置"}, "输入列配置错误")
			continue
		}
		inputValue := variables[pair.InputColumn]

		var expectedValue any
		var expectedSource string
		if pair.ExpectedValueType == "fixed_value" {
			expectedValue = pair.FixedExpectedValue
			expectedSource = fmt.Sprintf("固定值: %v", expectedValue)
			if expectedValue == nil || expectedValue == "" {
				failPair(i, map[string]any{"error": "固定期望值未配置"}, "固定期望值未配置")
				continue
			}
		} else {
			if pair.ExpectedColumn == "" {
				failPair(i, map[string]any{"error": "期望列未配置"}, "期望列配置错误")
				continue
			}
			expectedValue = variables[pair.ExpectedColumn]
			expectedSource = fmt.Sprintf("列: %s", pair.ExpectedColumn)
		}

		if pair.InputJSONEnabled && pair.InputJSONPath != "" {
			extracted, ok := extractFromValue(inputValue, pair.InputJSONPath)
			if !ok {
				failPair(i, map[string]any{
					"error":           "输入值JSON解析失败",
					"input_json_path": pair.InputJSONPath,
				}, "输入值JSON解析失败")
				continue
			}
			inputValue = extracted
		}
		if pair.ExpectedValueType == "column" && pair.ExpectedJSONEnabled && pair.ExpectedJSONPath != "" {
			extracted, ok := extractFromValue(expectedValue, pair.ExpectedJSONPath)
			if !ok {
				failPair(i, map[string]any{
					"error":              "期望值JSON解析失败",
					"expected_json_path": pair.ExpectedJSONPath,
				}, "期望值JSON解析失败")
				continue
			}
			expectedValue = extracted
		}

		if noneAsEmpty {
			if inputValue == nil {
				inputValue = ""
			}
			if expectedValue == nil {
				expectedValue = ""
			}
		}

		inputStr := normalize(pairString(inputValue), ignoreCase, ignoreWS)
		expectedStr := normalize(pairString(expectedValue), ignoreCase, ignoreWS)
		pairPassed := inputStr == expectedStr

		result := map[string]any{
			"pair_index":          i,
			"input_column":        pair.InputColumn,
			"expected_value_type": pair.ExpectedValueType,
			"expected_source":     expectedSource,
			"input_value":         stringify(inputValue),
			"expected_value":      stringify(expectedValue),
			"input_processed":     inputStr,
			"expected_processed":  expectedStr,
			"passed":              pairPassed,
		}
		if pair.ExpectedValueType == "column" {
			result["expected_column"] = pair.ExpectedColumn
		}
		matchResults = append(matchResults, result)

		if !pairPassed {
			allPassed = false
			failedPairs = append(failedPairs,
				fmt.Sprintf("匹配对 %d: 期望'%s'(%s)，实际'%s'(列: %s)",
					i+1, expectedStr, expectedSource, inputStr, pair.InputColumn))
		}
	}

	passedCount := 0
	for _, r := range matchResults {
		if m, _ := r.(map[string]any); m != nil {
			if p, _ := m["passed"].(bool); p {
				passedCount++
			}
		}
	}

	return allPassed, map[string]any{
		"total_pairs":   len(rawPairs),
		"passed_pairs":  passedCount,
		"failed_pairs":  failedPairs,
		"match_results": matchResults,
		"config": map[string]any{
			"ignore_case":       ignoreCase,
			"ignore_whitespace": ignoreWS,
			"options":           options,
		},
	}
}

// stringify renders a value the way the comparison strategies expect:
// strings pass through, everything else uses the default Go formatting
// except floats that hold integral values.
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}
