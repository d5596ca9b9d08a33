package build

import (
	"fmt"
	"strings"
)

// AppType enumerates the kinds of projects the pipeline knows how to scaffold.
type AppType string

const (
	AppTypeCLI     AppType = "cli"
	AppTypeWebApp  AppType = "webapp"
	AppTypeAPI     AppType = "api"
	AppTypeLibrary AppType = "library"
	AppTypeScript  AppType = "script"
)

// KnownAppTypes lists every accepted AppType value.
var KnownAppTypes = []AppType{AppTypeCLI, AppTypeWebApp, AppTypeAPI, AppTypeLibrary, AppTypeScript}

// Strictness controls how aggressively verifiers flag findings.
type Strictness string

const (
	StrictnessLenient  Strictness = "lenient"
	StrictnessStandard Strictness = "standard"
	StrictnessStrict   Strictness = "strict"
)

// Options holds the per-request configuration knobs. Zero values are filled
// in by Normalize before the request is fingerprinted.
type Options struct {
	Strictness        Strictness `json:"verification_strictness"`
	RunTests          bool       `json:"run_tests"`
	TimeBudgetSeconds int        `json:"time_budget_seconds"`
}

// Request is a build request. Immutable once accepted by the orchestrator.
type Request struct {
	Instruction string  `json:"instruction"`
	AppName     string  `json:"app_name"`
	AppType     AppType `json:"app_type"`
	Options     Options `json:"options"`
}

const maxBudgetSeconds = 3600

// Normalize fills option defaults in place so that logically identical
// requests fingerprint identically.
func (r *Request) Normalize() {
	if r.AppType == "" {
		r.AppType = AppTypeScript
	}
	if r.Options.Strictness == "" {
		r.Options.Strictness = StrictnessStandard
	}
	if r.Options.TimeBudgetSeconds <= 0 {
		r.Options.TimeBudgetSeconds = 120
	}
	if r.AppName == "" {
		r.AppName = "untitled"
	}
}

// Validate reports whether the request is well formed. Malformed requests
// fail fast with no retry.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Instruction) == "" {
		return NewError(KindValidation, "instruction must not be empty")
	}
	if r.AppType != "" {
		known := false
		for _, t := range KnownAppTypes {
			if r.AppType == t {
				known = true
				break
			}
		}
		if !known {
			return NewError(KindValidation, fmt.Sprintf("unknown app type %q", r.AppType))
		}
	}
	switch r.Options.Strictness {
	case "", StrictnessLenient, StrictnessStandard, StrictnessStrict:
	default:
		return NewError(KindValidation, fmt.Sprintf("unknown verification strictness %q", r.Options.Strictness))
	}
	if r.Options.TimeBudgetSeconds < 0 || r.Options.TimeBudgetSeconds > maxBudgetSeconds {
		return NewError(KindValidation, fmt.Sprintf("time budget must be between 0 and %d seconds", maxBudgetSeconds))
	}
	return nil
}

// Summary returns a short single-line description used for memory records.
func (r *Request) Summary() string {
	s := strings.Join(strings.Fields(r.Instruction), " ")
	if len(s) > 200 {
		s = s[:200]
	}
	return fmt.Sprintf("[%s] %s", r.AppType, s)
}

// Response is the external result schema. All fatal outcomes surface
// Success=false with an ErrorKind and a human-readable rationale; raw
// internal error detail never crosses this boundary.
type Response struct {
	Success           bool              `json:"success"`
	Files             map[string]string `json:"files,omitempty"`
	QualityScore      float64           `json:"quality_score"`
	QualityReport     map[string]any    `json:"quality_report,omitempty"`
	ReadyToUse        bool              `json:"ready_to_use"`
	DecisionRationale string            `json:"decision_rationale"`
	ErrorKind         string            `json:"error_kind,omitempty"`
	Cached            bool              `json:"cached,omitempty"`
}
