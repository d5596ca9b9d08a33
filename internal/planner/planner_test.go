package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/forgeworks/forged/internal/build"
	"github.com/forgeworks/forged/internal/engine"
	"github.com/forgeworks/forged/internal/memory"
)

type mockChatter struct {
	chatFn func(ctx context.Context, model string, messages []engine.Message, schema *engine.Schema) (string, error)
}

func (m *mockChatter) Chat(ctx context.Context, model string, messages []engine.Message, schema *engine.Schema) (string, error) {
	return m.chatFn(ctx, model, messages, schema)
}

func TestPlan_ValidateRejectsCycle(t *testing.T) {
	p := Plan{Tasks: []Task{
		{ID: "a", DependsOn: []string{"c"}},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"b"}},
	}}
	err := p.Validate()
	if err == nil {
		t.Fatal("expected cycle to be rejected")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("error = %v, want cycle mention", err)
	}
}

func TestPlan_ValidateRejectsUnknownDep(t *testing.T) {
	p := Plan{Tasks: []Task{{ID: "a", DependsOn: []string{"ghost"}}}}
	if err := p.Validate(); err == nil {
		t.Fatal("expected unknown dependency to be rejected")
	}
}

func TestPlan_ValidateRejectsDuplicateID(t *testing.T) {
	p := Plan{Tasks: []Task{{ID: "a"}, {ID: "a"}}}
	if err := p.Validate(); err == nil {
		t.Fatal("expected duplicate id to be rejected")
	}
}

func TestPlan_ExecutionOrderRespectsDependencies(t *testing.T) {
	p := Plan{Tasks: []Task{
		{ID: "tests", DependsOn: []string{"logic"}},
		{ID: "logic", DependsOn: []string{"model"}},
		{ID: "model"},
	}}
	order, err := p.ExecutionOrder()
	if err != nil {
		t.Fatalf("ExecutionOrder: %v", err)
	}

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	if pos["model"] > pos["logic"] || pos["logic"] > pos["tests"] {
		t.Errorf("order = %v, want model before logic before tests", order)
	}
}

func TestPlanner_TemplateFallbackOnChatError(t *testing.T) {
	p := New(&mockChatter{
		chatFn: func(context.Context, string, []engine.Message, *engine.Schema) (string, error) {
			return "", errors.New("engine down")
		},
	}, "model")

	req := build.Request{Instruction: "build a calculator", AppType: build.AppTypeCLI}
	req.Normalize()

	plan, err := p.Plan(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Tasks) == 0 {
		t.Fatal("template plan should have tasks")
	}
	if err := plan.Validate(); err != nil {
		t.Errorf("template plan invalid: %v", err)
	}
}

func TestPlanner_UsesLLMDecomposition(t *testing.T) {
	p := New(&mockChatter{
		chatFn: func(context.Context, string, []engine.Message, *engine.Schema) (string, error) {
			return `{"tasks": [{"id": "setup", "description": "set up"}, {"id": "impl", "description": "implement", "depends_on": ["setup"]}]}`, nil
		},
	}, "model")

	req := build.Request{Instruction: "build a calculator"}
	req.Normalize()

	plan, err := p.Plan(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(plan.Tasks))
	}
	if plan.Tasks[0].Status != TaskPending {
		t.Errorf("task status = %s, want pending", plan.Tasks[0].Status)
	}
}

func TestPlanner_InvalidDecompositionFallsBack(t *testing.T) {
	p := New(&mockChatter{
		chatFn: func(context.Context, string, []engine.Message, *engine.Schema) (string, error) {
			// Cyclic plan from the model must not survive.
			return `{"tasks": [{"id": "a", "description": "x", "depends_on": ["b"]}, {"id": "b", "description": "y", "depends_on": ["a"]}]}`, nil
		},
	}, "model")

	req := build.Request{Instruction: "build a calculator"}
	req.Normalize()

	plan, err := p.Plan(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if err := plan.Validate(); err != nil {
		t.Errorf("fallback plan invalid: %v", err)
	}
}

func TestPlanner_HistoryHintsReachTaskContext(t *testing.T) {
	p := New(nil, "")
	req := build.Request{Instruction: "build a todo app"}
	req.Normalize()

	history := []memory.ProjectRecord{
		{RequestSummary: "[cli] build a todo app", Outcome: memory.OutcomeFailed},
	}
	plan, err := p.Plan(context.Background(), req, history)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	found := false
	for _, task := range plan.Tasks {
		if strings.Contains(task.Context, "failed before") {
			found = true
		}
	}
	if !found {
		t.Error("expected failure hint in at least one task context")
	}
}

func TestRevise_AppendsDiagnosticAndResetsTasks(t *testing.T) {
	p := New(nil, "")
	plan := Plan{Tasks: []Task{
		{ID: "a", Status: TaskDone},
		{ID: "b", Status: TaskFailed},
	}}

	revised := p.Revise(plan, "syntax verifier rejected main.py")

	if revised.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", revised.Attempt)
	}
	if len(revised.Diagnostics) != 1 || !strings.Contains(revised.Diagnostics[0], "syntax verifier") {
		t.Errorf("Diagnostics = %v", revised.Diagnostics)
	}
	for _, task := range revised.Tasks {
		if task.Status != TaskPending {
			t.Errorf("task %s status = %s, want pending", task.ID, task.Status)
		}
		if !strings.Contains(task.Context, "syntax verifier rejected main.py") {
			t.Errorf("task %s context missing diagnostic", task.ID)
		}
	}

	// Original plan untouched.
	if plan.Tasks[0].Status != TaskDone {
		t.Error("Revise mutated the original plan")
	}
}
