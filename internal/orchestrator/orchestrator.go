// Package orchestrator drives a build request through the pipeline state
// machine: planning, generation, verification, arbitration, testing, and
// delivery, with a bounded self-correction loop in the middle.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
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

// State names the pipeline stages a build moves through. Failed is reachable
// from every stage.
type State string

const (
	StateReceived    State = "received"
	StatePlanning    State = "planning"
	StateGenerating  State = "generating"
	StateVerifying   State = "verifying"
	StateArbitrating State = "arbitrating"
	StateTesting     State = "testing"
	StateDelivering  State = "delivering"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

const (
	defaultMaxCorrections = 3
	// correctionCeiling is the hard upper bound on self-correction attempts,
	// regardless of configuration.
	correctionCeiling = 100
)

// Deps carries the pipeline components. Memory and Bus are optional; every
// other field is required.
type Deps struct {
	Planner   *planner.Planner
	Generator generate.Generator
	Pool      *verify.Pool
	Arbiter   *verify.Arbiter
	Gate      *testgate.Gate
	Cache     *cache.Cache
	Memory    *memory.Store
	Bus       *repair.Bus

	// MaxCorrections bounds self-correction attempts after the initial
	// build; <= 0 uses the default of 3, values above 100 are capped.
	MaxCorrections int
	Logger         *slog.Logger
}

// Orchestrator executes build requests. Safe for concurrent use; identical
// in-flight requests are deduplicated by fingerprint.
type Orchestrator struct {
	planner        *planner.Planner
	generator      generate.Generator
	pool           *verify.Pool
	arbiter        *verify.Arbiter
	gate           *testgate.Gate
	cache          *cache.Cache
	memory         *memory.Store
	bus            *repair.Bus
	flight         cache.Flight
	maxCorrections int
	logger         *slog.Logger
}

// New creates an Orchestrator from its dependencies.
func New(deps Deps) *Orchestrator {
	if deps.MaxCorrections <= 0 {
		deps.MaxCorrections = defaultMaxCorrections
	}
	if deps.MaxCorrections > correctionCeiling {
		deps.MaxCorrections = correctionCeiling
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		planner:        deps.Planner,
		generator:      deps.Generator,
		pool:           deps.Pool,
		arbiter:        deps.Arbiter,
		gate:           deps.Gate,
		cache:          deps.Cache,
		memory:         deps.Memory,
		bus:            deps.Bus,
		maxCorrections: deps.MaxCorrections,
		logger:         deps.Logger,
	}
}

// Execute runs one build request end to end and always returns a well-formed
// response: fatal pipeline errors surface as Success=false with a classified
// error kind, never as raw internal detail.
func (o *Orchestrator) Execute(ctx context.Context, req build.Request) build.Response {
	if err := req.Validate(); err != nil {
		return failureResponse(err)
	}
	req.Normalize()

	fingerprint := build.Fingerprint(req)
	log := o.logger.With("fingerprint", fingerprint[:12], "app", req.AppName)

	if artifact, score, ok := o.cache.Lookup(fingerprint); ok {
		log.Info("cache hit, serving stored artifact")
		return build.Response{
			Success:           true,
			Files:             artifact.Files(),
			QualityScore:      score,
			ReadyToUse:        true,
			Cached:            true,
			DecisionRationale: "identical request served from cache",
		}
	}

	resp, shared, err := o.flight.Do(fingerprint, func() (build.Response, error) {
		return o.runBuild(ctx, req, fingerprint, log)
	})
	if err != nil {
		return failureResponse(err)
	}
	if shared {
		log.Info("joined in-flight build for identical request")
	}
	return resp
}

// runBuild is the single-flight body: the full state machine under the
// request's time budget.
func (o *Orchestrator) runBuild(ctx context.Context, req build.Request, fingerprint string, log *slog.Logger) (build.Response, error) {
	budget := time.Duration(req.Options.TimeBudgetSeconds) * time.Second
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	st := StateReceived
	o.step(log, &st, StatePlanning)

	var history []memory.ProjectRecord
	if o.memory != nil {
		var err error
		if history, err = o.memory.FindSimilar(req.Instruction, 5); err != nil {
			log.Warn("similarity lookup failed, planning without history", "error", err)
			o.publish("memory", repair.SeverityWarning, "similarity lookup failed: "+err.Error())
			history = nil
		}
	}

	plan, err := o.planner.Plan(ctx, req, history)
	if err != nil {
		return o.failBuild(req, log, &st, build.NewError(build.KindGeneration, "could not derive a build plan: "+err.Error()))
	}

	testRetried := false
	for {
		if ctx.Err() != nil {
			return o.failBuild(req, log, &st, timeoutError(budget))
		}

		o.step(log, &st, StateGenerating)
		artifact, err := o.generateArtifact(ctx, &plan)
		if err != nil {
			if ctx.Err() != nil {
				return o.failBuild(req, log, &st, timeoutError(budget))
			}
			o.publish("generator", repair.SeverityWarning, err.Error())
			diagnostic := "generation failed: " + err.Error()
			if plan.Attempt >= o.maxCorrections {
				return o.failBuild(req, log, &st, exhaustedError(o.maxCorrections, diagnostic))
			}
			log.Warn("generation failed, revising plan", "attempt", plan.Attempt, "error", err)
			plan = o.planner.Revise(plan, diagnostic)
			continue
		}

		o.step(log, &st, StateVerifying)
		reports := o.pool.Verify(ctx, artifact)

		o.step(log, &st, StateArbitrating)
		decision := o.arbiter.Arbitrate(ctx, artifact, reports)
		if !decision.Accepted() {
			// An expired budget makes every verifier abstain; that is a
			// timeout, not a judgement on the artifact.
			if ctx.Err() != nil {
				return o.failBuild(req, log, &st, timeoutError(budget))
			}
			if allAbstained(reports) {
				o.publish("verifier-pool", repair.SeverityCritical, "all verifiers abstained: "+decision.Rationale)
				return o.failBuild(req, log, &st, build.NewError(build.KindArbitrationReject, decision.Rationale))
			}
			o.publish("arbiter", repair.SeverityWarning, decision.Rationale)
			if plan.Attempt >= o.maxCorrections {
				return o.failBuild(req, log, &st, exhaustedError(o.maxCorrections, decision.Rationale))
			}
			log.Warn("artifact rejected, revising plan", "attempt", plan.Attempt, "rationale", decision.Rationale)
			plan = o.planner.Revise(plan, decision.Rationale)
			continue
		}

		gateRan := false
		if req.Options.RunTests {
			o.step(log, &st, StateTesting)
			gateRan = true
			pass, failures := o.gate.Run(ctx, artifact)
			if !pass {
				if ctx.Err() != nil {
					return o.failBuild(req, log, &st, timeoutError(budget))
				}
				detail := strings.Join(failures, "; ")
				o.publish("testgate", repair.SeverityWarning, detail)
				// Test failures get one dedicated repair attempt beyond the
				// verification correction budget.
				if testRetried {
					return o.failBuild(req, log, &st, build.NewError(build.KindTestFailure, "generated checks failed: "+detail))
				}
				testRetried = true
				log.Warn("test gate failed, revising plan once", "failures", len(failures))
				plan = o.planner.Revise(plan, "tests failed: "+detail)
				continue
			}
		}

		o.step(log, &st, StateDelivering)
		resp := o.deliver(req, fingerprint, artifact, decision, plan, gateRan)
		o.step(log, &st, StateCompleted)
		log.Info("build delivered",
			"files", artifact.Len(), "score", resp.QualityScore, "attempts", plan.Attempt+1)
		return resp, nil
	}
}

// generateArtifact executes the plan's tasks in topological order,
// accumulating files. Later tasks see the paths generated before them.
func (o *Orchestrator) generateArtifact(ctx context.Context, plan *planner.Plan) (*build.Artifact, error) {
	order, err := plan.ExecutionOrder()
	if err != nil {
		return nil, err
	}

	artifact := build.NewArtifact()
	for _, id := range order {
		task := plan.TaskByID(id)
		task.Status = planner.TaskRunning

		files, err := o.generator.Generate(ctx, *task, strings.Join(artifact.Paths(), "\n"))
		if err != nil {
			task.Status = planner.TaskFailed
			return nil, fmt.Errorf("task %s: %w", id, err)
		}
		for path, content := range files {
			artifact.Put(path, content)
		}
		task.Status = planner.TaskDone
	}

	if artifact.Len() == 0 {
		return nil, fmt.Errorf("plan produced no files")
	}
	return artifact, nil
}

// deliver caches the artifact, kicks off memory writes, and shapes the
// success response. The cache write completes before the response returns;
// memory writes are detached so a slow database never delays delivery.
func (o *Orchestrator) deliver(req build.Request, fingerprint string, artifact *build.Artifact, decision verify.Decision, plan planner.Plan, gateRan bool) build.Response {
	score := qualityScore(decision)
	o.cache.Put(fingerprint, artifact, score)

	if o.memory != nil {
		go o.recordOutcome(req, plan, artifact, memory.OutcomeDelivered, "")
	}

	return build.Response{
		Success:           true,
		Files:             artifact.Files(),
		QualityScore:      score,
		QualityReport:     qualityReport(decision, plan, gateRan),
		ReadyToUse:        true,
		DecisionRationale: decision.Rationale,
	}
}

// failBuild records the failure and converts it into the classified error
// the flight group shares with all waiters.
func (o *Orchestrator) failBuild(req build.Request, log *slog.Logger, st *State, err *build.Error) (build.Response, error) {
	o.step(log, st, StateFailed)
	log.Warn("build failed", "kind", err.Kind, "reason", err.Reason)

	if o.memory != nil {
		go o.recordOutcome(req, planner.Plan{}, nil, memory.OutcomeFailed, err.Reason)
	}
	return build.Response{}, err
}

// recordOutcome persists the build to long-term memory. Runs detached from
// the request lifecycle.
func (o *Orchestrator) recordOutcome(req build.Request, plan planner.Plan, artifact *build.Artifact, outcome memory.Outcome, reason string) {
	id, err := o.memory.RecordProject(req.Summary(), string(req.AppType), outcome)
	if err != nil {
		o.logger.Warn("recording project failed", "error", err)
		o.publish("memory", repair.SeverityWarning, "recording project failed: "+err.Error())
		return
	}

	switch outcome {
	case memory.OutcomeDelivered:
		if plan.Attempt > 0 {
			insight := fmt.Sprintf("delivered after %d correction(s); last diagnostic: %s",
				plan.Attempt, plan.Diagnostics[len(plan.Diagnostics)-1])
			if err := o.memory.AddLesson(id, insight); err != nil {
				o.logger.Warn("recording lesson failed", "error", err)
			}
		}
		if artifact != nil {
			if err := o.memory.UpsertPattern(patternSignature(req, artifact)); err != nil {
				o.logger.Warn("recording pattern failed", "error", err)
			}
		}
	case memory.OutcomeFailed:
		if reason != "" {
			if err := o.memory.AddLesson(id, "failed: "+reason); err != nil {
				o.logger.Warn("recording lesson failed", "error", err)
			}
		}
	}
}

// patternSignature is a coarse structural fingerprint of a delivered
// project: app type plus the sorted set of file extensions.
func patternSignature(req build.Request, artifact *build.Artifact) string {
	seen := make(map[string]bool)
	var exts []string
	for _, p := range artifact.Paths() {
		ext := "none"
		if idx := strings.LastIndex(p, "."); idx != -1 && idx < len(p)-1 {
			ext = p[idx+1:]
		}
		if !seen[ext] {
			seen[ext] = true
			exts = append(exts, ext)
		}
	}
	sort.Strings(exts)
	return string(req.AppType) + ":" + strings.Join(exts, ",")
}

func (o *Orchestrator) step(log *slog.Logger, st *State, to State) {
	*st = to
	log.Debug("pipeline state", "state", to)
}

func (o *Orchestrator) publish(component string, severity repair.Severity, detail string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(repair.Event{Component: component, Severity: severity, Detail: detail})
}

func allAbstained(reports []verify.Report) bool {
	if len(reports) == 0 {
		return true
	}
	for _, r := range reports {
		if r.Verdict != verify.VerdictAbstain {
			return false
		}
	}
	return true
}

func timeoutError(budget time.Duration) *build.Error {
	return build.NewError(build.KindTimeout, fmt.Sprintf("time budget of %s exceeded", budget))
}

func exhaustedError(max int, lastDiagnostic string) *build.Error {
	return build.NewError(build.KindFailureExhausted,
		fmt.Sprintf("no acceptable artifact after %d correction attempts; last failure: %s", max, lastDiagnostic))
}

func failureResponse(err error) build.Response {
	return build.Response{
		Success:           false,
		ErrorKind:         string(build.KindOf(err)),
		DecisionRationale: build.ReasonOf(err),
	}
}
