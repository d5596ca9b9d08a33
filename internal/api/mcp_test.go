package api

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/forgeworks/forged/internal/build"
	"github.com/forgeworks/forged/internal/cache"
	"github.com/forgeworks/forged/internal/memory"
	"github.com/forgeworks/forged/internal/repair"
)

func newTestMCPDeps(t *testing.T, exec Executor) (MCPDeps, *memory.Store) {
	t.Helper()
	store, err := memory.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{
		Executor: exec,
		Cache:    cache.New(10, time.Hour),
		Memory:   store,
		Monitor:  fakeMonitor{h: repair.Health{Status: "healthy"}},
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPTool_BuildProject(t *testing.T) {
	exec := &fakeExecutor{resp: build.Response{
		Success:      true,
		Files:        map[string]string{"main.py": "print(1)"},
		QualityScore: 90,
		ReadyToUse:   true,
	}}
	deps, _ := newTestMCPDeps(t, exec)
	handler := mcpBuildProject(deps)

	req := makeCallToolRequest("build_project", map[string]interface{}{
		"instruction": "make a todo list cli",
		"app_type":    "cli",
		"run_tests":   true,
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var resp build.Response
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if !resp.Success || resp.Files["main.py"] != "print(1)" {
		t.Errorf("response = %+v", resp)
	}

	if len(exec.gotReqs) != 1 {
		t.Fatalf("executor calls = %d, want 1", len(exec.gotReqs))
	}
	got := exec.gotReqs[0]
	if got.AppType != build.AppTypeCLI || !got.Options.RunTests {
		t.Errorf("executor saw %+v", got)
	}
}

func TestMCPTool_BuildProject_RequiresInstruction(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &fakeExecutor{})
	handler := mcpBuildProject(deps)

	result, err := handler(context.Background(), makeCallToolRequest("build_project", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("missing instruction should be a tool error")
	}
}

func TestMCPTool_BuildProject_FailureIsToolError(t *testing.T) {
	exec := &fakeExecutor{resp: build.Response{
		Success:           false,
		ErrorKind:         string(build.KindFailureExhausted),
		DecisionRationale: "no acceptable artifact",
	}}
	deps, _ := newTestMCPDeps(t, exec)
	handler := mcpBuildProject(deps)

	result, err := handler(context.Background(), makeCallToolRequest("build_project", map[string]interface{}{
		"instruction": "make something impossible",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("failed build should surface as a tool error")
	}
	var resp build.Response
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("failure payload should still be the response JSON: %v", err)
	}
	if resp.ErrorKind != string(build.KindFailureExhausted) {
		t.Errorf("error kind = %s", resp.ErrorKind)
	}
}

func TestMCPTool_FindSimilar(t *testing.T) {
	deps, store := newTestMCPDeps(t, &fakeExecutor{})
	if _, err := store.RecordProject("[script] number guessing game", "script", memory.OutcomeDelivered); err != nil {
		t.Fatalf("seeding store: %v", err)
	}
	handler := mcpFindSimilar(deps)

	result, err := handler(context.Background(), makeCallToolRequest("find_similar", map[string]interface{}{
		"query": "guessing game in python",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var records []memory.ProjectRecord
	if err := json.Unmarshal([]byte(toolText(t, result)), &records); err != nil {
		t.Fatalf("parsing results: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("records = %d, want 1", len(records))
	}
}

func TestMCPTool_FindSimilar_EmptyResult(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &fakeExecutor{})
	handler := mcpFindSimilar(deps)

	result, err := handler(context.Background(), makeCallToolRequest("find_similar", map[string]interface{}{
		"query": "nothing like this exists",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if toolText(t, result) != "[]" {
		t.Errorf("text = %q, want empty array", toolText(t, result))
	}
}

func TestMCPTool_PipelineHealth(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &fakeExecutor{})
	handler := mcpPipelineHealth(deps)

	result, err := handler(context.Background(), makeCallToolRequest("pipeline_health", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("parsing health: %v", err)
	}
	if out["status"] != "healthy" {
		t.Errorf("status = %v", out["status"])
	}
	if _, ok := out["cache"]; !ok {
		t.Error("health should include cache stats")
	}
}
