package strategy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

func evalJSONStructure(output, expected string, cfg map[string]any) (bool, map[string]any) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(output), &parsed); err != nil {
		return false, map[string]any{
			"parse_error":    err.Error(),
			"missing_fields": []string{},
		}
	}

	required := cfgStringList(cfg, "required_fields")
	if required == nil {
		// Default to the expected value's top-level keys.
		var expectedObj map[string]any
		if err := json.Unmarshal([]byte(expected), &expectedObj); err == nil {
			for k := range expectedObj {
				required = append(required, k)
			}
		}
	}

	missing := []string{}
	for _, field := range required {
		if _, ok := parsed[field]; !ok {
			missing = append(missing, field)
		}
	}
	if required == nil {
		required = []string{}
	}

	return len(missing) == 0, map[string]any{
		"required_fields": required,
		"missing_fields":  missing,
	}
}

var indexedSegment = regexp.MustCompile(`^(\w+)\[(\d+)\]$`)

// extractJSONPath walks a dot path like "items[0].name" through a JSON
// document. Returns (nil, false) when the document does not parse or
// the path is absent.
func extractJSONPath(document, path string) (any, bool) {
	var root any
	if err := json.Unmarshal([]byte(document), &root); err != nil {
		return nil, false
	}
	return walkJSONPath(root, path)
}

// extractFromValue applies a JSON path to a value that may be a JSON
// string or an already-decoded structure.
func extractFromValue(value any, path string) (any, bool) {
	if path == "" {
		return value, true
	}
	if s, ok := value.(string); ok {
		return extractJSONPath(s, path)
	}
	return walkJSONPath(value, path)
}

func walkJSONPath(current any, path string) (any, bool) {
	for _, segment := range strings.Split(path, ".") {
		if segment == "" {
			continue
		}

		key := segment
		index := -1
		if m := indexedSegment.FindStringSubmatch(segment); m != nil {
			key = m[1]
			index, _ = strconv.Atoi(m[2])
		}

		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[key]
		if !ok {
			return nil, false
		}

		if index >= 0 {
			arr, ok := current.([]any)
			if !ok || index >= len(arr) {
				return nil, false
			}
			current = arr[index]
		}
	}
	return current, true
}

func evalJSONExtraction(output, expected string, cfg map[string]any) (bool, any, map[string]any) {
	path, _ := cfgString(cfg, "json_path")

	extracted, found := extractJSONPath(output, path)
	details := map[string]any{
		"json_path":       path,
		"extracted_value": extracted,
		"found":           found,
	}
	if !found {
		return false, nil, details
	}

	// With no expectation the extraction itself is the point.
	if strings.TrimSpace(expected) == "" {
		return true, extracted, details
	}

	// Compare against the expected value: JSON-parse it when possible,
	// fall back to string comparison.
	var expectedVal any
	if err := json.Unmarshal([]byte(expected), &expectedVal); err != nil {
		expectedVal = expected
	}
	passed := jsonEqual(extracted, expectedVal) || stringify(extracted) == stringify(expectedVal)
	return passed, extracted, details
}

func jsonEqual(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && string(ab) == string(bb)
}

var booleanTrueSpellings = map[string]bool{"true": true, "yes": true, "1": true, "y": true}

// parseTyped converts s to the target type. Unknown types parse as
// strings.
func parseTyped(s, targetType string) (any, error) {
	trimmed := strings.TrimSpace(s)
	switch targetType {
	case "number":
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil, err
		}
		if f == float64(int64(f)) {
			return int64(f), nil
		}
		return f, nil
	case "boolean":
		return booleanTrueSpellings[strings.ToLower(trimmed)], nil
	case "json":
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return s, nil
	}
}

func evalParseValue(output, expected string, cfg map[string]any) (bool, any, map[string]any) {
	targetType, ok := cfgString(cfg, "target_type")
	if !ok || targetType == "" {
		targetType = "string"
	}

	details := map[string]any{"target_type": targetType}

	parsed, err := parseTyped(output, targetType)
	if err != nil {
		details["error"] = fmt.Sprintf("解析为%s类型失败: %v", targetType, err)
		return false, nil, details
	}
	details["parsed_value"] = parsed

	// Conversion alone passes; a provided expectation must also match
	// after the same conversion.
	if expected == "" {
		return true, parsed, details
	}

	expectedParsed, err := parseTyped(expected, targetType)
	if err != nil {
		details["error"] = fmt.Sprintf("期望值解析失败: %v", err)
		return false, parsed, details
	}
	details["expected_value"] = expectedParsed

	var passed bool
	if targetType == "json" {
		passed = jsonEqual(parsed, expectedParsed)
	} else {
		passed = parsed == expectedParsed
	}
	return passed, parsed, details
}

func evalStaticValue(cfg map[string]any) (bool, any, map[string]any) {
	value := cfg["static_value"]
	return true, value, map[string]any{"static_value": value}
}

// SQL statement shapes accepted by type_validation.
var sqlShapes = []*regexp.Regexp{
	regexp.MustCompile(`(?is)^\s*select\s+.+\s+from\s+.+`),
	regexp.MustCompile(`(?is)^\s*insert\s+into\s+.+`),
	regexp.MustCompile(`(?is)^\s*update\s+.+\s+set\s+.+`),
	regexp.MustCompile(`(?is)^\s*delete\s+from\s+.+`),
}

func evalTypeValidation(output string, cfg map[string]any) (bool, map[string]any) {
	validationType, ok := cfgString(cfg, "validation_type")
	if !ok || validationType == "" {
		validationType = "json"
	}
	details := map[string]any{"validation_type": validationType}

	var valid bool
	switch validationType {
	case "json":
		var v any
		if err := json.Unmarshal([]byte(output), &v); err != nil {
			details["error"] = err.Error()
		} else {
			valid = true
		}
	case "number":
		_, err := strconv.ParseFloat(strings.TrimSpace(output), 64)
		valid = err == nil
	case "sql":
		for _, shape := range sqlShapes {
			if shape.MatchString(output) {
				valid = true
				break
			}
		}
	default:
		return false, map[string]any{"error": fmt.Sprintf("不支持的验证类型: %s", validationType)}
	}

	details["is_valid"] = valid
	return valid, details
}

func evalCoalesce(output, expected string, cfg map[string]any) (bool, any, map[string]any) {
	// Candidate order: expected first, then output, then config values.
	candidates := []any{}
	sources := []string{}
	if strings.TrimSpace(expected) != "" {
		candidates = append(candidates, expected)
		sources = append(sources, "expected")
	}
	candidates = append(candidates, output)
	sources = append(sources, "output")
	for _, v := range cfgList(cfg, "values") {
		candidates = append(candidates, v)
		sources = append(sources, "config")
	}

	for i, candidate := range candidates {
		if candidate == nil {
			continue
		}
		if s, ok := candidate.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		return true, candidate, map[string]any{
			"coalesced_value": candidate,
			"source":          sources[i],
		}
	}

	// All candidates empty still passes; the coalesced value is just nil.
	return true, nil, map[string]any{
		"coalesced_value": nil,
		"source":          "none",
	}
}
