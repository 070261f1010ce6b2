package llm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/prompthub/evalengine/pkg/models"
)

// ErrPromptVersionNotFound is returned when a prompt has no versions.
var ErrPromptVersionNotFound = errors.New("prompt version not found")

// InvokeRequest describes a prompt invocation.
type InvokeRequest struct {
	ProjectID     int64
	UserID        *int64
	PromptID      int64
	Variables     map[string]any
	Model         string         // optional model override
	ModelParams   map[string]any // merged over the version's params
	Source        string         // audit source tag
}

// InvokeResult carries the provider answer plus the version that ran.
type InvokeResult struct {
	Output          string
	Tokens          int
	ExecutionTimeMS int64
	VersionID       int64
	VersionNumber   int
}

// Invoker renders prompt versions, calls the provider, and writes the
// request audit trail. It also implements strategy.Grader.
type Invoker struct {
	db       *sqlx.DB
	chat     ChatModel
	resolver *FeatureResolver
}

// NewInvoker creates an invoker.
func NewInvoker(db *sqlx.DB, chat ChatModel, resolver *FeatureResolver) *Invoker {
	return &Invoker{db: db, chat: chat, resolver: resolver}
}

// LatestVersion loads the newest version of a prompt.
func (i *Invoker) LatestVersion(ctx context.Context, promptID int64) (*models.PromptVersion, error) {
	var v models.PromptVersion
	err := i.db.GetContext(ctx, &v,
		`SELECT id, prompt_id, version_number, messages, model, model_params, created_at
		 FROM prompt_versions WHERE prompt_id = $1 ORDER BY id DESC LIMIT 1`, promptID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPromptVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading prompt version: %w", err)
	}
	return &v, nil
}

// renderMessages substitutes {{var}} placeholders in the version's
// message contents.
func renderMessages(raw any, variables map[string]any) []Message {
	list, _ := raw.([]any)
	out := make([]Message, 0, len(list))
	for _, entry := range list {
		m, _ := entry.(map[string]any)
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		for name, value := range variables {
			content = strings.ReplaceAll(content, "{{"+name+"}}", fmt.Sprintf("%v", value))
		}
		out = append(out, Message{Role: role, Content: content})
	}
	return out
}

// Invoke renders the prompt's newest version with the request variables
// and calls the provider. Every call, successful or not, is audited.
func (i *Invoker) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	version, err := i.LatestVersion(ctx, req.PromptID)
	if err != nil {
		return nil, err
	}

	messages := renderMessages(version.Messages.V, req.Variables)

	params := map[string]any{}
	for k, v := range version.ModelParams {
		params[k] = v
	}
	for k, v := range req.ModelParams {
		params[k] = v
	}

	model := req.Model
	if model == "" {
		model = version.Model
	}
	if model == "" {
		fm, rerr := i.resolver.Resolve(ctx, req.ProjectID, models.FeatureEvaluationLLM)
		if rerr != nil {
			return nil, rerr
		}
		model = fm.Model
	}

	resp, callErr := i.chat.Chat(ctx, model, messages, params)

	audit := models.LLMRequest{
		ID:              uuid.New().String(),
		ProjectID:       req.ProjectID,
		UserID:          req.UserID,
		PromptID:        &req.PromptID,
		PromptVersionID: &version.ID,
		Source:          req.Source,
		Input:           joinMessageContents(messages),
		VariablesValues: req.Variables,
	}
	if callErr != nil {
		msg := callErr.Error()
		audit.Success = false
		audit.ErrorMessage = &msg
		i.saveRequestAsync(audit)
		return nil, callErr
	}

	audit.Success = true
	audit.Output = resp.Output
	audit.Tokens = resp.Tokens
	audit.ExecutionTimeMS = resp.ExecutionTimeMS
	i.saveRequestAsync(audit)

	return &InvokeResult{
		Output:          resp.Output,
		Tokens:          resp.Tokens,
		ExecutionTimeMS: resp.ExecutionTimeMS,
		VersionID:       version.ID,
		VersionNumber:   version.VersionNumber,
	}, nil
}

// Grade implements strategy.Grader: one-shot user prompt against the
// project's evaluation model.
func (i *Invoker) Grade(ctx context.Context, projectID int64, prompt string) (string, error) {
	fm, err := i.resolver.Resolve(ctx, projectID, models.FeatureEvaluationLLM)
	if err != nil {
		return "", err
	}

	messages := []Message{{Role: "user", Content: prompt}}
	resp, callErr := i.chat.Chat(ctx, fm.Model, messages, nil)

	audit := models.LLMRequest{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Source:    models.FeatureEvaluationLLM,
		Input:     prompt,
	}
	if callErr != nil {
		msg := callErr.Error()
		audit.Success = false
		audit.ErrorMessage = &msg
		i.saveRequestAsync(audit)
		return "", callErr
	}
	audit.Success = true
	audit.Output = resp.Output
	audit.Tokens = resp.Tokens
	audit.ExecutionTimeMS = resp.ExecutionTimeMS
	i.saveRequestAsync(audit)

	return resp.Output, nil
}

func joinMessageContents(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, fmt.Sprintf("[%s] %s", m.Role, m.Content))
	}
	return strings.Join(parts, "\n")
}

// saveRequestAsync persists the audit row in the background.
// Audit failures are logged, never propagated.
func (i *Invoker) saveRequestAsync(req models.LLMRequest) {
	if i.db == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := i.db.ExecContext(ctx,
			`INSERT INTO llm_requests
			 (id, project_id, user_id, prompt_id, prompt_version_id, source, input,
			  variables_values, output, tokens, execution_time_ms, cost, success, error_message)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			req.ID, req.ProjectID, req.UserID, req.PromptID, req.PromptVersionID,
			req.Source, req.Input, models.JSONMap(req.VariablesValues), req.Output,
			req.Tokens, req.ExecutionTimeMS, req.Cost, req.Success, req.ErrorMessage)
		if err != nil {
			slog.Error("Failed to save LLM request audit", "request_id", req.ID, "error", err)
		}
	}()
}
