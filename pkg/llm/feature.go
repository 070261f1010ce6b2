package llm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/prompthub/evalengine/pkg/models"
)

// FeatureModel is the resolved (provider, model) pair for a feature.
type FeatureModel struct {
	Provider string
	Model    string
}

var featureDefaults = map[string]FeatureModel{
	models.FeatureTranslate:          {Provider: "openai", Model: "gpt-4.1"},
	models.FeatureTestCaseGenerator:  {Provider: "openai", Model: "gpt-4.1"},
	models.FeaturePromptOptimizer:    {Provider: "openai", Model: "gpt-4.1"},
	models.FeaturePromptAssistant:    {Provider: "openai", Model: "gpt-4.1"},
	models.FeatureEvaluationLLM:      {Provider: "openai", Model: "gpt-4.1"},
	models.FeaturePromptAssistantMin: {Provider: "openai", Model: "gpt-4.1-mini"},
}

// FeatureResolver maps a (project, feature key) to the model configured
// for it, falling back to the built-in defaults.
type FeatureResolver struct {
	db *sqlx.DB
}

// NewFeatureResolver creates a resolver. db may be nil, in which case
// only defaults are served.
func NewFeatureResolver(db *sqlx.DB) *FeatureResolver {
	return &FeatureResolver{db: db}
}

// Resolve returns the project's configuration for featureKey, or the
// built-in default when the project has none.
func (r *FeatureResolver) Resolve(ctx context.Context, projectID int64, featureKey string) (FeatureModel, error) {
	def, known := featureDefaults[featureKey]
	if !known {
		def = FeatureModel{Provider: "openai", Model: "gpt-4.1"}
	}

	if r.db == nil {
		return def, nil
	}

	var fm FeatureModel
	err := r.db.QueryRowxContext(ctx,
		`SELECT provider, model FROM project_ai_feature_configs
		 WHERE project_id = $1 AND feature_key = $2 AND enabled = TRUE`,
		projectID, featureKey,
	).Scan(&fm.Provider, &fm.Model)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("resolving feature model %s: %w", featureKey, err)
	}
	return fm, nil
}
