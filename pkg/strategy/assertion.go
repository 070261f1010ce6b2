package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const assertionPromptTemplate = `你是一个严格的评估专家，请根据评估标准判断待评估输出是否符合要求。

评估标准：
%s

待评估输出：
%s

参考期望输出：
%s

请只返回JSON格式的评估结果，不要输出其他内容：
{"passed": true或false, "explanation": "评估说明"}`

var (
	fencedJSONBlock = regexp.MustCompile("(?s)```json\\s*(.*?)```")
	braceBlob       = regexp.MustCompile(`(?s)\{.*\}`)
)

type assertionVerdict struct {
	Passed      bool   `json:"passed"`
	Explanation string `json:"explanation"`
}

// parseAssertionResponse recovers the verdict from a model response that
// may wrap the JSON in a fenced block or prose. Falls back to a keyword
// heuristic when no JSON parses.
func parseAssertionResponse(response string) (assertionVerdict, bool) {
	candidates := []string{}
	if m := fencedJSONBlock.FindStringSubmatch(response); m != nil {
		candidates = append(candidates, m[1])
	}
	if m := braceBlob.FindString(response); m != "" {
		candidates = append(candidates, m)
	}
	candidates = append(candidates, response)

	for _, candidate := range candidates {
		var v assertionVerdict
		if err := json.Unmarshal([]byte(strings.TrimSpace(candidate)), &v); err == nil {
			return v, true
		}
	}

	lower := strings.ToLower(response)
	if strings.Contains(lower, "true") && !strings.Contains(lower, "false") {
		return assertionVerdict{Passed: true, Explanation: response}, false
	}
	return assertionVerdict{Passed: false, Explanation: response}, false
}

func (e *Engine) evalLLMAssertion(ctx context.Context, output, expected string, cfg map[string]any) (bool, map[string]any, error) {
	if e.grader == nil {
		return false, nil, fmt.Errorf("llm_assertion requires a grader")
	}

	assertion, _ := cfgString(cfg, "assertion")
	if assertion == "" {
		assertion = "输出内容应与期望输出语义一致"
	}
	projectID := int64(0)
	if f, ok := cfgFloat(cfg, "project_id"); ok {
		projectID = int64(f)
	}

	prompt := fmt.Sprintf(assertionPromptTemplate, assertion, output, expected)
	response, err := e.grader.Grade(ctx, projectID, prompt)
	if err != nil {
		return false, nil, fmt.Errorf("llm assertion call failed: %w", err)
	}

	verdict, parsedJSON := parseAssertionResponse(response)
	return verdict.Passed, map[string]any{
		"assertion":    assertion,
		"explanation":  verdict.Explanation,
		"raw_response": response,
		"parsed_json":  parsedJSON,
	}, nil
}
