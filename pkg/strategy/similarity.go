package strategy

import "strings"

// SimulatedSimilarityWarning marks that cosine_similarity runs on a
// lexical proxy, not real embeddings.
const SimulatedSimilarityWarning = "这是模拟的嵌入结果，非真实计算"

// evalCosineSimilarity scores lexical overlap between the token sets of
// both sides (Jaccard). Real embedding vectors are out of scope, so the
// details carry an explicit warning.
func evalCosineSimilarity(output, expected string, cfg map[string]any) (bool, map[string]any) {
	threshold, ok := cfgFloat(cfg, "threshold")
	if !ok {
		threshold = 0.7
	}

	similarity := lexicalSimilarity(output, expected)

	return similarity >= threshold, map[string]any{
		"similarity": similarity,
		"threshold":  threshold,
		"warning":    SimulatedSimilarityWarning,
	}
}

func lexicalSimilarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1.0
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0.0
	}

	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[tok] = true
	}
	return set
}
