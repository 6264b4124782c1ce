// Package ignore reads gitignore-style files so directory ingestion can
// skip build output, dependencies and other noise.
package ignore

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultFiles are the ignore files read from a watched root.
var DefaultFiles = []string{".gitignore", ".ragdignore"}

// Rule is one parsed ignore pattern.
type Rule struct {
	// Pattern is a path.Match pattern.
	Pattern string
	// Anchored rules match the path from the root; others match any
	// single path segment.
	Anchored bool
	// DirOnly rules match directories and everything below them.
	DirOnly bool
}

// Parser reads and parses gitignore-style files.
type Parser struct {
	// IgnoreFiles is the list of ignore file names to look for.
	IgnoreFiles []string

	// FallbackPatterns are used when no ignore files are found.
	FallbackPatterns []string
}

// NewParser creates a new ignore file parser with the given configuration.
func NewParser(ignoreFiles, fallbackPatterns []string) *Parser {
	return &Parser{
		IgnoreFiles:      ignoreFiles,
		FallbackPatterns: fallbackPatterns,
	}
}

// ParseProject reads all ignore files from root and returns a Matcher for
// their combined rules. If no ignore files are found, the fallback patterns
// are used.
func (p *Parser) ParseProject(root string) (*Matcher, error) {
	var rules []Rule
	foundAny := false

	for _, ignoreFile := range p.IgnoreFiles {
		fileRules, err := p.parseFile(filepath.Join(root, ignoreFile))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		rules = append(rules, fileRules...)
		foundAny = true
	}

	if !foundAny {
		return New(p.FallbackPatterns...), nil
	}
	return &Matcher{rules: deduplicate(rules)}, nil
}

// parseFile reads a single gitignore-style file.
func (p *Parser) parseFile(path string) ([]Rule, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var rules []Rule
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if rule, ok := parseLine(scanner.Text()); ok {
			rules = append(rules, rule)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

// parseLine parses a single line from a gitignore file. Comments, blank
// lines and negations yield no rule.
func parseLine(line string) (Rule, bool) {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") {
		return Rule{}, false
	}
	// Negation is not supported.
	if strings.HasPrefix(line, "!") {
		return Rule{}, false
	}

	var rule Rule
	if strings.HasSuffix(line, "/") {
		rule.DirOnly = true
		line = strings.TrimRight(line, "/")
	}
	// A leading **/ matches at any depth, the same as no slash at all.
	line = strings.TrimPrefix(line, "**/")
	if strings.Contains(line, "/") {
		rule.Anchored = true
		line = strings.TrimPrefix(line, "/")
	}
	if line == "" {
		return Rule{}, false
	}
	if _, err := path.Match(line, ""); err != nil {
		return Rule{}, false
	}
	rule.Pattern = line
	return rule, true
}

// deduplicate removes duplicate rules while preserving order.
func deduplicate(rules []Rule) []Rule {
	seen := make(map[Rule]bool)
	result := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if !seen[r] {
			seen[r] = true
			result = append(result, r)
		}
	}
	return result
}

// Matcher reports whether slash-separated relative paths are ignored.
// A nil Matcher ignores nothing.
type Matcher struct {
	rules []Rule
}

// New builds a Matcher from gitignore-style pattern lines.
func New(patterns ...string) *Matcher {
	m := &Matcher{}
	for _, p := range patterns {
		if rule, ok := parseLine(p); ok {
			m.rules = append(m.rules, rule)
		}
	}
	m.rules = deduplicate(m.rules)
	return m
}

// Rules returns the parsed rules.
func (m *Matcher) Rules() []Rule {
	if m == nil {
		return nil
	}
	return m.rules
}

// Match reports whether rel, relative to the root, is ignored. A path is
// ignored when it or one of its parent directories matches a rule.
func (m *Matcher) Match(rel string, isDir bool) bool {
	if m == nil || len(m.rules) == 0 {
		return false
	}
	rel = strings.Trim(path.Clean(filepath.ToSlash(rel)), "/")
	if rel == "." || rel == "" {
		return false
	}

	segments := strings.Split(rel, "/")
	for _, r := range m.rules {
		for i := range segments {
			dir := i < len(segments)-1 || isDir
			if r.DirOnly && !dir {
				continue
			}
			subject := segments[i]
			if r.Anchored {
				subject = strings.Join(segments[:i+1], "/")
			}
			if ok, _ := path.Match(r.Pattern, subject); ok {
				return true
			}
		}
	}
	return false
}
