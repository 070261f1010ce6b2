package strategy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

func evalContains(output, expected string, cfg map[string]any) (bool, map[string]any) {
	ignoreCase := cfgBool(cfg, "ignore_case")

	haystack, needle := output, expected
	if ignoreCase {
		haystack = strings.ToLower(haystack)
		needle = strings.ToLower(needle)
	}

	return strings.Contains(haystack, needle), map[string]any{
		"ignore_case": ignoreCase,
	}
}

func evalKeywords(output string, cfg map[string]any) (bool, map[string]any) {
	keywords := cfgStringList(cfg, "keywords")
	requiredCount := len(keywords)
	if n, ok := cfgInt(cfg, "required_count"); ok {
		requiredCount = n
	}

	var found []string
	for _, kw := range keywords {
		if strings.Contains(output, kw) {
			found = append(found, kw)
		}
	}
	if found == nil {
		found = []string{}
	}

	return len(found) >= requiredCount, map[string]any{
		"keywords":       keywords,
		"found_keywords": found,
		"found_count":    len(found),
		"required_count": requiredCount,
	}
}

// evalRegex passes when the pattern matches at least once. The pattern
// defaults to the expected value; flags map to Go's inline modifiers.
func evalRegex(output, expected string, cfg map[string]any) (bool, map[string]any, error) {
	pattern, ok := cfgString(cfg, "pattern")
	if !ok || pattern == "" {
		pattern = expected
	}

	var flags []string
	var prefix strings.Builder
	if cfgBool(cfg, "ignore_case") {
		prefix.WriteString("i")
		flags = append(flags, "ignore_case")
	}
	if cfgBool(cfg, "multiline") {
		prefix.WriteString("m")
		flags = append(flags, "multiline")
	}
	if cfgBool(cfg, "dotall") {
		prefix.WriteString("s")
		flags = append(flags, "dotall")
	}
	compiled := pattern
	if prefix.Len() > 0 {
		compiled = fmt.Sprintf("(?%s)%s", prefix.String(), pattern)
	}

	re, err := regexp.Compile(compiled)
	if err != nil {
		return false, nil, fmt.Errorf("invalid regex pattern %q: %w", pattern, err)
	}

	matches := re.FindAllString(output, -1)
	if flags == nil {
		flags = []string{}
	}
	return len(matches) > 0, map[string]any{
		"pattern":     pattern,
		"flags":       flags,
		"match_count": len(matches),
	}, nil
}

func evalCount(output, expected string, cfg map[string]any) (bool, any, map[string]any) {
	countType, ok := cfgString(cfg, "count_type")
	if !ok {
		countType = "characters"
	}

	var count int
	switch countType {
	case "characters":
		count = len([]rune(output))
	case "words":
		count = len(strings.Fields(output))
	case "paragraphs":
		for _, block := range strings.Split(output, "\n\n") {
			if strings.TrimSpace(block) != "" {
				count++
			}
		}
	default:
		return false, nil, map[string]any{"error": fmt.Sprintf("不支持的计数类型: %s", countType)}
	}

	details := map[string]any{
		"count_type": countType,
		"count":      count,
	}

	// Without an expected count the strategy is a pure derivation. A
	// non-numeric expectation is a configuration error, not a pass.
	if strings.TrimSpace(expected) == "" {
		return true, count, details
	}
	expectedCount, err := strconv.Atoi(strings.TrimSpace(expected))
	if err != nil {
		details["error"] = "期望值不是有效的数字"
		return false, count, details
	}
	details["expected_count"] = expectedCount
	return count == expectedCount, count, details
}
