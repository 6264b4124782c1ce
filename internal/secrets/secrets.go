// Package secrets redacts credentials from ingested text with the gitleaks
// rule set before it is chunked and embedded.
package secrets

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/zricethezav/gitleaks/v8/detect"
)

var (
	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates the allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// Finding is one redacted secret. The secret itself is never kept.
type Finding struct {
	RuleID string `json:"ruleId"`
	Line   int    `json:"line"`
}

// Result is the outcome of scrubbing one text.
type Result struct {
	Text     string         `json:"-"`
	Findings []Finding      `json:"findings,omitempty"`
	ByRule   map[string]int `json:"byRule,omitempty"`
}

// HasFindings reports whether anything was redacted.
func (r Result) HasFindings() bool {
	return len(r.Findings) > 0
}

// Scrubber replaces secrets with [REDACTED:<rule>] markers. A disabled
// Scrubber returns text unchanged. Safe for concurrent use.
type Scrubber struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// New creates a Scrubber. The allowlist file is optional; a missing file
// is not an error.
func New(cfg config.SecretsConfig) (*Scrubber, error) {
	if !cfg.Enabled {
		return &Scrubber{}, nil
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("loading gitleaks rules: %w", err)
	}

	if cfg.AllowlistFile != "" {
		allowlist, err := LoadAllowlist(cfg.AllowlistFile)
		if err != nil {
			return nil, err
		}
		if allowlist != nil {
			detector.Config.Allowlists = append(detector.Config.Allowlists, allowlist)
		}
	}

	return &Scrubber{detector: detector}, nil
}

// Enabled reports whether the scrubber redacts anything.
func (s *Scrubber) Enabled() bool {
	return s != nil && s.detector != nil
}

// Scrub redacts every secret in text.
func (s *Scrubber) Scrub(text string) Result {
	if !s.Enabled() || text == "" {
		return Result{Text: text}
	}

	s.mu.Lock()
	findings := s.detector.DetectString(text)
	s.mu.Unlock()

	if len(findings) == 0 {
		return Result{Text: text}
	}

	// Longest secrets first so a secret containing another is replaced whole.
	sort.SliceStable(findings, func(i, j int) bool {
		return len(findings[i].Secret) > len(findings[j].Secret)
	})

	result := Result{ByRule: make(map[string]int)}
	scrubbed := text
	for _, f := range findings {
		if f.Secret == "" {
			continue
		}
		result.Findings = append(result.Findings, Finding{RuleID: f.RuleID, Line: f.StartLine})
		result.ByRule[f.RuleID]++
		scrubbed = strings.ReplaceAll(scrubbed, f.Secret, marker(f.RuleID))
	}
	result.Text = scrubbed
	return result
}

func marker(ruleID string) string {
	return "[REDACTED:" + ruleID + "]"
}
