package models

import "time"

// AI feature keys. Each project can pin a (provider, model) pair per
// feature; unset features fall back to built-in defaults.
const (
	FeatureTranslate          = "translate"
	FeatureTestCaseGenerator  = "test_case_generator"
	FeaturePromptOptimizer    = "prompt_optimizer"
	FeaturePromptAssistant    = "prompt_assistant_chat"
	FeaturePromptAssistantMin = "prompt_assistant_mini"
	FeatureEvaluationLLM      = "evaluation_llm"
)

// AIFeatureConfig binds a project feature to a provider and model.
// Unique per (project, feature key).
type AIFeatureConfig struct {
	ID         int64     `db:"id" json:"id"`
	ProjectID  int64     `db:"project_id" json:"project_id"`
	FeatureKey string    `db:"feature_key" json:"feature_key"`
	Provider   string    `db:"provider" json:"provider"`
	Model      string    `db:"model" json:"model"`
	Enabled    bool      `db:"enabled" json:"enabled"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Prompt is the named container; PromptVersion holds the actual
// messages and model parameters, newest version wins.
type Prompt struct {
	ID        int64     `db:"id" json:"id"`
	ProjectID int64     `db:"project_id" json:"project_id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// PromptVersion is an immutable revision of a prompt. Messages is a
// list of {role, content} objects; content may carry {{var}}
// placeholders substituted at invocation time.
type PromptVersion struct {
	ID            int64     `db:"id" json:"id"`
	PromptID      int64     `db:"prompt_id" json:"prompt_id"`
	VersionNumber int       `db:"version_number" json:"version_number"`
	Messages      JSONValue `db:"messages" json:"messages,omitempty"`
	Model         string    `db:"model" json:"model"`
	ModelParams   JSONMap   `db:"model_params" json:"model_params,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// PromptVersionSnapshot is one entry of a result's prompt_versions map,
// pinning which prompt version a prompt_template column ran with.
type PromptVersionSnapshot struct {
	PromptID      int64  `json:"prompt_id"`
	PromptName    string `json:"prompt_name"`
	VersionID     int64  `json:"version_id"`
	VersionNumber int    `json:"version_number"`
	ColumnID      int64  `json:"column_id"`
	ColumnName    string `json:"column_name"`
}

// LLMRequest is a best-effort audit row written after every provider
// call. Persisting it must never fail the caller.
type LLMRequest struct {
	ID              string    `db:"id" json:"id"`
	ProjectID       int64     `db:"project_id" json:"project_id"`
	UserID          *int64    `db:"user_id" json:"user_id,omitempty"`
	PromptID        *int64    `db:"prompt_id" json:"prompt_id,omitempty"`
	PromptVersionID *int64    `db:"prompt_version_id" json:"prompt_version_id,omitempty"`
	Source          string    `db:"source" json:"source"`
	Input           string    `db:"input" json:"input"`
	VariablesValues JSONMap   `db:"variables_values" json:"variables_values,omitempty"`
	Output          string    `db:"output" json:"output"`
	Tokens          int       `db:"tokens" json:"tokens"`
	ExecutionTimeMS int64     `db:"execution_time_ms" json:"execution_time_ms"`
	Cost            float64   `db:"cost" json:"cost"`
	Success         bool      `db:"success" json:"success"`
	ErrorMessage    *string   `db:"error_message" json:"error_message,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}
