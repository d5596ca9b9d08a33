package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/forgeworks/forged/internal/build"
	"github.com/forgeworks/forged/internal/engine"
	"github.com/forgeworks/forged/internal/memory"
)

const decompositionTimeout = 15 * time.Second

// Chatter is the LLM call used for plan decomposition.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Planner turns a build request plus historical context into a task plan.
type Planner struct {
	chatter Chatter
	model   string
}

// New creates a Planner. chatter may be nil, in which case planning always
// uses the deterministic template.
func New(chatter Chatter, model string) *Planner {
	return &Planner{chatter: chatter, model: model}
}

// Plan decomposes the request into a validated task DAG. History is advisory:
// lessons from similar past builds are folded into task context. When LLM
// decomposition fails or produces an invalid graph, planning falls back to
// the deterministic per-app-type template, so a request never fails because
// the planner's model call did.
func (p *Planner) Plan(ctx context.Context, req build.Request, history []memory.ProjectRecord) (Plan, error) {
	hints := historyHints(history)

	if p.chatter != nil {
		if plan, err := p.decompose(ctx, req, hints); err == nil {
			return plan, nil
		} else {
			slog.Warn("planner: LLM decomposition failed, using template", "error", err)
		}
	}

	plan := templatePlan(req)
	applyHints(&plan, hints)
	if err := plan.Validate(); err != nil {
		return Plan{}, fmt.Errorf("template plan invalid: %w", err)
	}
	return plan, nil
}

// Revise produces the next self-correction attempt: the failure diagnostic
// is appended and folded into every remaining task's context, and failed
// tasks return to pending. The caller owns the attempt budget.
func (p *Planner) Revise(plan Plan, diagnostic string) Plan {
	next := Plan{
		Tasks:       make([]Task, len(plan.Tasks)),
		Attempt:     plan.Attempt + 1,
		Diagnostics: append(append([]string(nil), plan.Diagnostics...), diagnostic),
	}
	copy(next.Tasks, plan.Tasks)

	note := fmt.Sprintf("Previous attempt %d failed: %s", plan.Attempt+1, diagnostic)
	for i := range next.Tasks {
		// Done tasks are regenerated too: a verification failure may
		// implicate any file in the artifact.
		next.Tasks[i].Status = TaskPending
		if next.Tasks[i].Context == "" {
			next.Tasks[i].Context = note
		} else {
			next.Tasks[i].Context += "\n" + note
		}
	}
	return next
}

func (p *Planner) decompose(ctx context.Context, req build.Request, hints []string) (Plan, error) {
	ctx, cancel := context.WithTimeout(ctx, decompositionTimeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Decompose this software project request into 2-8 ordered tasks with dependencies.\n"+
			"Project type: %s\nRequest: %s\n"+
			"Task ids must be short slugs. depends_on lists ids of prerequisite tasks.\n"+
			`Respond with only JSON: {"tasks": [{"id": "...", "description": "...", "depends_on": ["..."]}]}`,
		req.AppType, req.Instruction,
	)
	if len(hints) > 0 {
		prompt += "\nLessons from similar past builds:\n- " + strings.Join(hints, "\n- ")
	}

	raw, err := p.chatter.Chat(ctx, p.model, []engine.Message{{Role: "user", Content: prompt}}, decompositionSchema())
	if err != nil {
		return Plan{}, err
	}

	var parsed struct {
		Tasks []Task `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return Plan{}, fmt.Errorf("unmarshalling decomposition: %w", err)
	}
	if len(parsed.Tasks) == 0 {
		return Plan{}, fmt.Errorf("decomposition produced no tasks")
	}

	plan := Plan{Tasks: parsed.Tasks}
	for i := range plan.Tasks {
		plan.Tasks[i].Status = TaskPending
	}
	applyHints(&plan, hints)
	if err := plan.Validate(); err != nil {
		return Plan{}, fmt.Errorf("decomposed plan invalid: %w", err)
	}
	return plan, nil
}

func decompositionSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"tasks": {Type: "array", Description: "Ordered task list", Items: &engine.SchemaProperty{Type: "object"}},
		},
		Required: []string{"tasks"},
	}
}

// templatePlan is the deterministic decomposition used when no model is
// available. Dependencies encode the natural build order: data model before
// core logic, core logic before interface and tests.
func templatePlan(req build.Request) Plan {
	desc := func(stage string) string {
		return fmt.Sprintf("%s for: %s", stage, req.Instruction)
	}

	tasks := []Task{
		{ID: "scaffold", Description: desc("Project scaffold and entry point")},
		{ID: "data-model", Description: desc("Define the data model"), DependsOn: []string{"scaffold"}},
		{ID: "core-logic", Description: desc("Implement the core logic"), DependsOn: []string{"data-model"}},
	}

	switch req.AppType {
	case build.AppTypeWebApp:
		tasks = append(tasks, Task{ID: "interface", Description: desc("Build the web interface"), DependsOn: []string{"core-logic"}})
	case build.AppTypeAPI:
		tasks = append(tasks, Task{ID: "interface", Description: desc("Expose the HTTP API"), DependsOn: []string{"core-logic"}})
	case build.AppTypeCLI:
		tasks = append(tasks, Task{ID: "interface", Description: desc("Build the command-line interface"), DependsOn: []string{"core-logic"}})
	}

	if req.Options.RunTests {
		deps := []string{"core-logic"}
		tasks = append(tasks, Task{ID: "validation", Description: desc("Write validation checks"), DependsOn: deps})
	}

	for i := range tasks {
		tasks[i].Status = TaskPending
	}
	return Plan{Tasks: tasks}
}

// historyHints extracts lesson-like hints from similar past records.
func historyHints(history []memory.ProjectRecord) []string {
	var hints []string
	for _, r := range history {
		if r.Outcome == memory.OutcomeFailed {
			hints = append(hints, fmt.Sprintf("a similar build (%s) failed before", r.RequestSummary))
		}
	}
	if len(hints) > 3 {
		hints = hints[:3]
	}
	return hints
}

func applyHints(plan *Plan, hints []string) {
	if len(hints) == 0 {
		return
	}
	note := "History: " + strings.Join(hints, "; ")
	for i := range plan.Tasks {
		if plan.Tasks[i].Context == "" {
			plan.Tasks[i].Context = note
		}
	}
}
