// Package generate wraps the code-generating model call. The pipeline treats
// generation as opaque: a plan task goes in, candidate files come out.
package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/forgeworks/forged/internal/engine"
	"github.com/forgeworks/forged/internal/planner"
)

const defaultMaxRetries = 2

// Generator produces candidate files for a plan task.
type Generator interface {
	Generate(ctx context.Context, task planner.Task, projectContext string) (map[string]string, error)
}

// Chatter is the LLM call used for generation.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// EngineGenerator generates files through the local inference engine,
// retrying transient failures with exponential backoff.
type EngineGenerator struct {
	chatter    Chatter
	model      string
	maxRetries uint64
}

// New creates an EngineGenerator. maxRetries < 0 uses the default of 2
// transparent retries per call; the planner's self-correction budget is
// counted separately by the orchestrator.
func New(chatter Chatter, model string, maxRetries int) *EngineGenerator {
	retries := uint64(defaultMaxRetries)
	if maxRetries >= 0 {
		retries = uint64(maxRetries)
	}
	return &EngineGenerator{chatter: chatter, model: model, maxRetries: retries}
}

// Generate asks the engine for the task's files. Transient engine failures
// are retried; a malformed response that survives recovery is returned as an
// error so the self-correction loop can feed it back into replanning.
func (g *EngineGenerator) Generate(ctx context.Context, task planner.Task, projectContext string) (map[string]string, error) {
	prompt := buildPrompt(task, projectContext)

	var files map[string]string
	op := func() error {
		raw, err := g.chatter.Chat(ctx, g.model, []engine.Message{{Role: "user", Content: prompt}}, fileSchema())
		if err != nil {
			return fmt.Errorf("generation chat: %w", err)
		}
		parsed, err := parseFiles(raw)
		if err != nil {
			slog.Debug("generator: unparseable response, retrying", "task", task.ID, "error", err)
			return err
		}
		files = parsed
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, g.maxRetries), ctx)); err != nil {
		return nil, fmt.Errorf("generating task %s: %w", task.ID, err)
	}
	return files, nil
}

func buildPrompt(task planner.Task, projectContext string) string {
	var b strings.Builder
	b.WriteString("You are generating files for one task of a software project.\n")
	b.WriteString("Task: " + task.Description + "\n")
	if task.Context != "" {
		b.WriteString("Context: " + task.Context + "\n")
	}
	if projectContext != "" {
		b.WriteString("Files generated so far:\n" + projectContext + "\n")
	}
	b.WriteString(`Respond with only JSON: {"files": [{"path": "relative/path", "content": "file content"}]}`)
	return b.String()
}

func fileSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"files": {Type: "array", Description: "Generated files", Items: &engine.SchemaProperty{Type: "object"}},
		},
		Required: []string{"files"},
	}
}

// parseFiles extracts the file map from a model response. Local models
// frequently wrap JSON in markdown code fences or prepend filler, so the
// parser strips fences and falls back to brace positions before
// unmarshalling.
func parseFiles(resp string) (map[string]string, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if strings.HasPrefix(s, "json") {
			s = s[4:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var parsed struct {
		Files []struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		} `json:"files"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("unmarshalling files: %w", err)
	}
	if len(parsed.Files) == 0 {
		return nil, fmt.Errorf("response contained no files")
	}

	files := make(map[string]string, len(parsed.Files))
	for _, f := range parsed.Files {
		if f.Path == "" {
			return nil, fmt.Errorf("response contained a file with empty path")
		}
		files[f.Path] = f.Content
	}
	return files, nil
}
