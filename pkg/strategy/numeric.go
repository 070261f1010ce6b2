package strategy

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var firstNumber = regexp.MustCompile(`-?\d+\.?\d*`)

// extractNumber parses s as a number directly, else takes the first
// numeric substring.
func extractNumber(s string) (float64, bool) {
	trimmed := strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f, true
	}
	if m := firstNumber.FindString(trimmed); m != "" {
		if f, err := strconv.ParseFloat(m, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func evalNumericDistance(output, expected string, cfg map[string]any) (bool, map[string]any) {
	outNum, okOut := extractNumber(output)
	expNum, okExp := extractNumber(expected)

	if !okOut || !okExp {
		return false, map[string]any{"error": "无法从输出或期望值中提取有效数字"}
	}

	distance := math.Abs(outNum - expNum)
	details := map[string]any{
		"output_value":   outNum,
		"expected_value": expNum,
		"distance":       distance,
	}

	// percentage_threshold compares the relative deviation against
	// percentage_value; the default compares the absolute distance
	// against threshold. A zero expectation cannot anchor a percentage.
	if cfgBool(cfg, "percentage_threshold") && expNum != 0 {
		percentageValue, ok := cfgFloat(cfg, "percentage_value")
		if !ok {
			percentageValue = 5
		}
		percentageDiff := distance / math.Abs(expNum) * 100
		details["percentage_diff"] = percentageDiff
		details["percentage_threshold"] = percentageValue
		return percentageDiff <= percentageValue, details
	}

	threshold, ok := cfgFloat(cfg, "threshold")
	if !ok {
		threshold = 0
	}
	details["threshold"] = threshold
	return distance <= threshold, details
}
