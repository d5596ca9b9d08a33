package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forgeworks/forged/internal/build"
	"github.com/forgeworks/forged/internal/cache"
	"github.com/forgeworks/forged/internal/generate"
	"github.com/forgeworks/forged/internal/memory"
	"github.com/forgeworks/forged/internal/planner"
	"github.com/forgeworks/forged/internal/repair"
	"github.com/forgeworks/forged/internal/testgate"
	"github.com/forgeworks/forged/internal/verify"
)

type stubVerifier struct {
	name    string
	verdict verify.Verdict
	conf    float64
	err     error
}

func (s stubVerifier) Name() string { return s.name }
func (s stubVerifier) Check(context.Context, *build.Artifact) (verify.Report, error) {
	if s.err != nil {
		return verify.Report{}, s.err
	}
	return verify.Report{Verdict: s.verdict, Confidence: s.conf}, nil
}

// fakeGenerator counts calls per task and produces one small file per task
// unless a custom files func is set.
type fakeGenerator struct {
	mu    sync.Mutex
	calls map[string]int
	files func(task planner.Task) (map[string]string, error)
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{calls: make(map[string]int)}
}

func (g *fakeGenerator) Generate(_ context.Context, task planner.Task, _ string) (map[string]string, error) {
	g.mu.Lock()
	g.calls[task.ID]++
	g.mu.Unlock()
	if g.files != nil {
		return g.files(task)
	}
	name := strings.ReplaceAll(task.ID, "-", "_")
	return map[string]string{task.ID + ".py": "def " + name + "():\n    return 1\n"}, nil
}

func (g *fakeGenerator) callCount(taskID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[taskID]
}

type generatorFunc func(ctx context.Context, task planner.Task, projectContext string) (map[string]string, error)

func (f generatorFunc) Generate(ctx context.Context, task planner.Task, projectContext string) (map[string]string, error) {
	return f(ctx, task, projectContext)
}

func passingVerifiers() []verify.Verifier {
	return []verify.Verifier{
		stubVerifier{name: "structure", verdict: verify.VerdictPass, conf: 0.9},
		stubVerifier{name: "security", verdict: verify.VerdictPass, conf: 0.8},
	}
}

type depsOverride func(*Deps)

func newTestOrchestrator(t *testing.T, gen generate.Generator, verifiers []verify.Verifier, overrides ...depsOverride) *Orchestrator {
	t.Helper()
	deps := Deps{
		Planner:        planner.New(nil, ""),
		Generator:      gen,
		Pool:           verify.NewPool(verifiers, 5*time.Second),
		Arbiter:        verify.NewArbiter(stubVerifier{name: "arbiter", verdict: verify.VerdictPass, conf: 0.9}, 0.8),
		Gate:           testgate.New(nil),
		Cache:          cache.New(10, time.Hour),
		Bus:            repair.NewBus(0),
		MaxCorrections: 3,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range overrides {
		o(&deps)
	}
	return New(deps)
}

func testRequest() build.Request {
	return build.Request{
		Instruction: "make a number guessing game",
		AppName:     "guess",
		AppType:     build.AppTypeScript,
		Options:     build.Options{TimeBudgetSeconds: 30},
	}
}

func TestExecute_HappyPath(t *testing.T) {
	gen := newFakeGenerator()
	o := newTestOrchestrator(t, gen, passingVerifiers())

	req := testRequest()
	req.Options.RunTests = true
	resp := o.Execute(context.Background(), req)

	if !resp.Success {
		t.Fatalf("build failed: %s (%s)", resp.DecisionRationale, resp.ErrorKind)
	}
	if !resp.ReadyToUse {
		t.Error("delivered artifact should be ready to use")
	}
	if resp.Cached {
		t.Error("first build must not report cached")
	}
	if len(resp.Files) == 0 {
		t.Fatal("no files in response")
	}
	if resp.QualityScore <= 0 || resp.QualityScore > 100 {
		t.Errorf("quality score = %v, want in (0, 100]", resp.QualityScore)
	}
	if resp.QualityReport["tests_run"] != true {
		t.Errorf("quality report = %v, want tests_run true", resp.QualityReport)
	}
}

func TestExecute_CacheHitSkipsGeneration(t *testing.T) {
	gen := newFakeGenerator()
	o := newTestOrchestrator(t, gen, passingVerifiers())

	first := o.Execute(context.Background(), testRequest())
	if !first.Success {
		t.Fatalf("first build failed: %s", first.DecisionRationale)
	}
	callsAfterFirst := gen.callCount("scaffold")

	second := o.Execute(context.Background(), testRequest())
	if !second.Success || !second.Cached {
		t.Fatalf("second response = %+v, want cached success", second)
	}
	if gen.callCount("scaffold") != callsAfterFirst {
		t.Error("cache hit must not invoke the generator")
	}
	if len(second.Files) != len(first.Files) {
		t.Fatalf("cached files = %d, want %d", len(second.Files), len(first.Files))
	}
	for path, want := range first.Files {
		if second.Files[path] != want {
			t.Errorf("file %s differs between delivery and cache hit", path)
		}
	}
	if second.QualityScore != first.QualityScore {
		t.Errorf("cached score = %v, want delivered %v", second.QualityScore, first.QualityScore)
	}
}

func TestExecute_ValidationFailsFast(t *testing.T) {
	gen := newFakeGenerator()
	o := newTestOrchestrator(t, gen, passingVerifiers())

	resp := o.Execute(context.Background(), build.Request{Instruction: "   "})
	if resp.Success {
		t.Fatal("blank instruction must fail")
	}
	if resp.ErrorKind != string(build.KindValidation) {
		t.Errorf("error kind = %s, want %s", resp.ErrorKind, build.KindValidation)
	}
	if gen.callCount("scaffold") != 0 {
		t.Error("validation failure must not reach the generator")
	}
}

func TestExecute_ConcurrentIdenticalRequestsBuildOnce(t *testing.T) {
	release := make(chan struct{})
	gen := newFakeGenerator()
	gen.files = func(task planner.Task) (map[string]string, error) {
		if task.ID == "scaffold" {
			<-release
		}
		return map[string]string{task.ID + ".py": "def f():\n    return 1\n"}, nil
	}
	o := newTestOrchestrator(t, gen, passingVerifiers())

	const n = 6
	var wg sync.WaitGroup
	responses := make([]build.Response, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i] = o.Execute(context.Background(), testRequest())
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := gen.callCount("scaffold"); got != 1 {
		t.Errorf("scaffold generated %d times, want exactly 1 for identical in-flight requests", got)
	}
	for i, r := range responses {
		if !r.Success {
			t.Errorf("caller %d failed: %s", i, r.DecisionRationale)
		}
		if len(r.Files) != len(responses[0].Files) {
			t.Errorf("caller %d got %d files, want %d", i, len(r.Files), len(responses[0].Files))
		}
	}
}

func TestExecute_RejectionExhaustsCorrections(t *testing.T) {
	gen := newFakeGenerator()
	rejecting := []verify.Verifier{
		stubVerifier{name: "structure", verdict: verify.VerdictFail, conf: 0.9},
	}
	o := newTestOrchestrator(t, gen, rejecting, func(d *Deps) { d.MaxCorrections = 2 })

	resp := o.Execute(context.Background(), testRequest())
	if resp.Success {
		t.Fatal("build should fail once corrections are exhausted")
	}
	if resp.ErrorKind != string(build.KindFailureExhausted) {
		t.Errorf("error kind = %s, want %s", resp.ErrorKind, build.KindFailureExhausted)
	}
	// Initial attempt plus the configured number of corrections.
	if got := gen.callCount("scaffold"); got != 3 {
		t.Errorf("scaffold generated %d times, want 3", got)
	}
}

func TestExecute_DegradedVerificationRejectsWithoutRetry(t *testing.T) {
	gen := newFakeGenerator()
	broken := []verify.Verifier{
		stubVerifier{name: "structure", err: errors.New("model down")},
		stubVerifier{name: "security", err: errors.New("model down")},
	}
	o := newTestOrchestrator(t, gen, broken)

	resp := o.Execute(context.Background(), testRequest())
	if resp.Success {
		t.Fatal("degraded verification must reject")
	}
	if resp.ErrorKind != string(build.KindArbitrationReject) {
		t.Errorf("error kind = %s, want %s", resp.ErrorKind, build.KindArbitrationReject)
	}
	if got := gen.callCount("scaffold"); got != 1 {
		t.Errorf("scaffold generated %d times, want 1: degraded verification is not correctable", got)
	}
}

func TestExecute_TestGateFailureGetsOneRetry(t *testing.T) {
	gen := newFakeGenerator()
	gen.files = func(task planner.Task) (map[string]string, error) {
		// Every attempt references a module that is never generated, so the
		// gate's local-reference check keeps failing.
		return map[string]string{task.ID + ".py": "from missing_helper import x\n"}, nil
	}
	o := newTestOrchestrator(t, gen, passingVerifiers())

	req := testRequest()
	req.Options.RunTests = true
	resp := o.Execute(context.Background(), req)

	if resp.Success {
		t.Fatal("unresolved reference must fail the gate")
	}
	if resp.ErrorKind != string(build.KindTestFailure) {
		t.Errorf("error kind = %s, want %s", resp.ErrorKind, build.KindTestFailure)
	}
	if got := gen.callCount("scaffold"); got != 2 {
		t.Errorf("scaffold generated %d times, want 2 (initial plus one test repair)", got)
	}
}

func TestExecute_TimeBudgetExceeded(t *testing.T) {
	gen := generatorFunc(func(ctx context.Context, _ planner.Task, _ string) (map[string]string, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o := newTestOrchestrator(t, gen, passingVerifiers())

	req := testRequest()
	req.Options.TimeBudgetSeconds = 1
	resp := o.Execute(context.Background(), req)

	if resp.Success {
		t.Fatal("build should fail when the budget runs out")
	}
	if resp.ErrorKind != string(build.KindTimeout) {
		t.Errorf("error kind = %s, want %s", resp.ErrorKind, build.KindTimeout)
	}
}

// blockingVerifier holds its verdict until the context is cancelled.
type blockingVerifier struct{ name string }

func (b blockingVerifier) Name() string { return b.name }
func (b blockingVerifier) Check(ctx context.Context, _ *build.Artifact) (verify.Report, error) {
	<-ctx.Done()
	return verify.Report{}, ctx.Err()
}

func TestExecute_BudgetExpiryDuringVerificationIsTimeout(t *testing.T) {
	gen := newFakeGenerator()
	stalled := []verify.Verifier{
		blockingVerifier{name: "structure"},
		blockingVerifier{name: "security"},
	}
	o := newTestOrchestrator(t, gen, stalled)

	req := testRequest()
	req.Options.TimeBudgetSeconds = 1
	resp := o.Execute(context.Background(), req)

	if resp.Success {
		t.Fatal("build should fail when the budget runs out mid-verification")
	}
	// Every verifier abstains when the deadline cuts it off, but that is an
	// expired budget, not a verdict on the artifact.
	if resp.ErrorKind != string(build.KindTimeout) {
		t.Errorf("error kind = %s, want %s", resp.ErrorKind, build.KindTimeout)
	}
	if got := gen.callCount("scaffold"); got != 1 {
		t.Errorf("scaffold generated %d times, want 1", got)
	}
}

func TestExecute_CorrectionBoundHardCeiling(t *testing.T) {
	gen := newFakeGenerator()
	rejecting := []verify.Verifier{
		stubVerifier{name: "structure", verdict: verify.VerdictFail, conf: 0.9},
	}
	o := newTestOrchestrator(t, gen, rejecting, func(d *Deps) { d.MaxCorrections = 500 })

	req := testRequest()
	req.Options.TimeBudgetSeconds = 600
	resp := o.Execute(context.Background(), req)

	if resp.Success {
		t.Fatal("build should fail once corrections are exhausted")
	}
	if resp.ErrorKind != string(build.KindFailureExhausted) {
		t.Errorf("error kind = %s, want %s", resp.ErrorKind, build.KindFailureExhausted)
	}
	// Initial attempt plus the capped 100 corrections, never the configured 500.
	if got := gen.callCount("scaffold"); got != 101 {
		t.Errorf("scaffold generated %d times, want 101", got)
	}
}

func TestExecute_DeliveredBuildReachesMemory(t *testing.T) {
	store, err := memory.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer store.Close()

	gen := newFakeGenerator()
	o := newTestOrchestrator(t, gen, passingVerifiers(), func(d *Deps) { d.Memory = store })

	resp := o.Execute(context.Background(), testRequest())
	if !resp.Success {
		t.Fatalf("build failed: %s", resp.DecisionRationale)
	}

	// The memory write is detached from the request, so poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		records, err := store.RecentProjects(5)
		if err != nil {
			t.Fatalf("RecentProjects: %v", err)
		}
		if len(records) == 1 {
			if records[0].Outcome != memory.OutcomeDelivered {
				t.Errorf("outcome = %s, want delivered", records[0].Outcome)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("project record never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestExecute_PublishesEventsOnFailure(t *testing.T) {
	gen := newFakeGenerator()
	bus := repair.NewBus(0)
	rejecting := []verify.Verifier{
		stubVerifier{name: "structure", verdict: verify.VerdictFail, conf: 0.9},
	}
	o := newTestOrchestrator(t, gen, rejecting, func(d *Deps) {
		d.Bus = bus
		d.MaxCorrections = 1
	})

	o.Execute(context.Background(), testRequest())

	events := bus.Recent(time.Minute)
	if len(events) == 0 {
		t.Fatal("rejections should publish error events")
	}
	for _, e := range events {
		if e.Component == "" || e.Signature == "" {
			t.Errorf("event missing component or signature: %+v", e)
		}
	}
}
