package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/forgeworks/forged/internal/build"
	"github.com/forgeworks/forged/internal/engine"
)

// StructureVerifier checks artifact shape: at least one file, no empty
// files, balanced delimiters in code files.
type StructureVerifier struct{}

func (StructureVerifier) Name() string { return "structure" }

func (StructureVerifier) Check(_ context.Context, artifact *build.Artifact) (Report, error) {
	var findings []Finding

	if artifact.Len() == 0 {
		return Report{
			Verdict:    VerdictFail,
			Confidence: 1,
			Findings:   []Finding{{Severity: SeverityCritical, Message: "artifact contains no files"}},
		}, nil
	}

	for _, path := range artifact.Paths() {
		content, _ := artifact.Get(path)
		if strings.TrimSpace(content) == "" {
			findings = append(findings, Finding{Severity: SeverityCritical, Message: "file is empty", Location: path})
			continue
		}
		if isCodeFile(path) {
			if delim, ok := unbalancedDelimiter(content); !ok {
				findings = append(findings, Finding{
					Severity: SeverityCritical,
					Message:  fmt.Sprintf("unbalanced %q delimiters", delim),
					Location: path,
				})
			}
		}
	}

	if hasCritical(findings) {
		return Report{Verdict: VerdictFail, Confidence: 0.9, Findings: findings}, nil
	}
	return Report{Verdict: VerdictPass, Confidence: 0.8, Findings: findings}, nil
}

func isCodeFile(path string) bool {
	for _, ext := range []string{".py", ".js", ".ts", ".go", ".java", ".c", ".cpp", ".rs", ".json"} {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// unbalancedDelimiter does a string-aware bracket count. It is a cheap
// structural signal, not a parser; only count mismatches are flagged.
func unbalancedDelimiter(content string) (string, bool) {
	pairs := []struct{ open, close rune }{
		{'{', '}'},
		{'(', ')'},
		{'[', ']'},
	}
	for _, p := range pairs {
		depth := 0
		inString := false
		var quote rune
		for _, r := range content {
			if inString {
				if r == quote {
					inString = false
				}
				continue
			}
			switch r {
			case '"', '\'', '`':
				inString = true
				quote = r
			case p.open:
				depth++
			case p.close:
				depth--
			}
		}
		if depth != 0 {
			return string(p.open) + string(p.close), false
		}
	}
	return "", true
}

func hasCritical(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// SecurityVerifier scans for dangerous constructs. Strictness controls
// whether warnings alone fail the check.
type SecurityVerifier struct {
	Strictness build.Strictness
}

func (SecurityVerifier) Name() string { return "security" }

var dangerousPatterns = []struct {
	pattern  string
	severity Severity
	message  string
}{
	{"rm -rf /", SeverityCritical, "destructive shell command"},
	{"eval(", SeverityWarning, "dynamic code evaluation"},
	{"exec(", SeverityWarning, "dynamic code execution"},
	{"os.system(", SeverityWarning, "shell command execution"},
	{"subprocess.call(", SeverityInfo, "subprocess invocation"},
	{"DROP TABLE", SeverityWarning, "raw destructive SQL"},
	{"password = \"", SeverityWarning, "possible hardcoded credential"},
	{"api_key = \"", SeverityWarning, "possible hardcoded credential"},
}

func (v SecurityVerifier) Check(_ context.Context, artifact *build.Artifact) (Report, error) {
	var findings []Finding
	for _, path := range artifact.Paths() {
		content, _ := artifact.Get(path)
		lower := strings.ToLower(content)
		for _, p := range dangerousPatterns {
			if strings.Contains(lower, strings.ToLower(p.pattern)) {
				findings = append(findings, Finding{Severity: p.severity, Message: p.message, Location: path})
			}
		}
	}

	failOnWarning := v.Strictness == build.StrictnessStrict
	for _, f := range findings {
		if f.Severity == SeverityCritical || (failOnWarning && f.Severity == SeverityWarning) {
			return Report{Verdict: VerdictFail, Confidence: 0.85, Findings: findings}, nil
		}
	}
	return Report{Verdict: VerdictPass, Confidence: 0.75, Findings: findings}, nil
}

// LLMVerifier asks a review model for a verdict. Engine failures surface as
// errors so the pool converts them to abstain.
type LLMVerifier struct {
	Chatter interface {
		Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
	}
	Model      string
	Strictness build.Strictness
}

func (LLMVerifier) Name() string { return "review" }

func (v LLMVerifier) Check(ctx context.Context, artifact *build.Artifact) (Report, error) {
	var b strings.Builder
	b.WriteString("Review the following generated project files for correctness and quality.\n")
	b.WriteString("Strictness: " + string(v.Strictness) + "\n")
	for _, path := range artifact.Paths() {
		content, _ := artifact.Get(path)
		if len(content) > 4000 {
			content = content[:4000] + "\n... (truncated)"
		}
		b.WriteString("--- " + path + " ---\n" + content + "\n")
	}
	b.WriteString(`Respond with only JSON: {"verdict": "pass"|"fail", "confidence": 0.0-1.0, "findings": [{"severity": "info"|"warning"|"critical", "message": "...", "location": "..."}]}`)

	raw, err := v.Chatter.Chat(ctx, v.Model, []engine.Message{{Role: "user", Content: b.String()}}, reviewSchema())
	if err != nil {
		return Report{}, fmt.Errorf("review chat: %w", err)
	}
	return parseReview(raw)
}

func reviewSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"verdict":    {Type: "string", Description: "pass or fail"},
			"confidence": {Type: "number", Description: "Confidence 0.0-1.0"},
			"findings":   {Type: "array", Description: "Observations", Items: &engine.SchemaProperty{Type: "object"}},
		},
		Required: []string{"verdict", "confidence"},
	}
}

func parseReview(raw string) (Report, error) {
	s := strings.TrimSpace(raw)
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
		return Report{}, fmt.Errorf("no JSON object in review response")
	}

	var parsed struct {
		Verdict    string    `json:"verdict"`
		Confidence float64   `json:"confidence"`
		Findings   []Finding `json:"findings"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &parsed); err != nil {
		return Report{}, fmt.Errorf("unmarshalling review: %w", err)
	}

	verdict := Verdict(parsed.Verdict)
	if verdict != VerdictPass && verdict != VerdictFail {
		return Report{}, fmt.Errorf("review returned unknown verdict %q", parsed.Verdict)
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		return Report{}, fmt.Errorf("review confidence %f out of range", parsed.Confidence)
	}
	return Report{Verdict: verdict, Confidence: parsed.Confidence, Findings: parsed.Findings}, nil
}
