package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
)

// LoadAllowlist reads a gitleaks-style allowlist file:
//
//	[allowlist]
//	regexes = ['''EXAMPLE_KEY_.*''']
//	stopwords = ["dummy"]
//
// It returns nil when the file does not exist or lists no patterns.
func LoadAllowlist(path string) (*gitleaksconfig.Allowlist, error) {
	var file struct {
		Allowlist struct {
			Regexes   []string `toml:"regexes"`
			StopWords []string `toml:"stopwords"`
		} `toml:"allowlist"`
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading allowlist %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	if len(file.Allowlist.Regexes) == 0 && len(file.Allowlist.StopWords) == 0 {
		return nil, nil
	}

	allowlist := &gitleaksconfig.Allowlist{
		Description: "ragd allowlist",
		StopWords:   file.Allowlist.StopWords,
	}
	for _, pattern := range file.Allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
		allowlist.Regexes = append(allowlist.Regexes, re)
	}
	if err := allowlist.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	return allowlist, nil
}
