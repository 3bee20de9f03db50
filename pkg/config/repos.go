package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/arturoeanton/repolens/internal/port"
)

// BranchConfig selects which refs a sync persists. Exclusion patterns take
// precedence over inclusion patterns on conflict.
type BranchConfig struct {
	Patterns        []string `yaml:"patterns"         json:"patterns"`
	ExcludePatterns []string `yaml:"exclude_patterns" json:"exclude_patterns"`
}

// RepoConfig is the per-repository configuration resolved once per operation.
type RepoConfig struct {
	Name             string       `yaml:"name"               json:"name"`
	URL              string       `yaml:"url"                json:"url"`
	Strategy         string       `yaml:"strategy"           json:"strategy"` // full, recent, manual
	Branches         BranchConfig `yaml:"branches"           json:"branches"`
	PruneDeleted     bool         `yaml:"prune_deleted"      json:"prune_deleted"`
	RecentWindowDays int          `yaml:"recent_window_days" json:"recent_window_days"`
}

// ReposFile is the YAML document listing every tracked repository.
type ReposFile struct {
	Repos []RepoConfig `yaml:"repos"`
}

// LoadRepos reads and validates the repository list from path.
func LoadRepos(filePath string) (*ReposFile, error) {
	body, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read repos file: %w", err)
	}

	var rf ReposFile
	if err := yaml.Unmarshal(body, &rf); err != nil {
		return nil, fmt.Errorf("parse repos file: %w", err)
	}

	for i := range rf.Repos {
		if err := rf.Repos[i].Validate(); err != nil {
			return nil, fmt.Errorf("repos[%d] (%s): %w", i, rf.Repos[i].Name, err)
		}
	}
	return &rf, nil
}

// Validate normalizes and checks one repository's configuration.
func (r *RepoConfig) Validate() error {
	if strings.TrimSpace(r.URL) == "" {
		return &port.ValidationError{Field: "url", Reason: "must not be empty"}
	}
	if r.Strategy == "" {
		r.Strategy = "full"
	}
	switch r.Strategy {
	case "full", "recent", "manual":
	default:
		return &port.ValidationError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", r.Strategy)}
	}
	if r.Strategy == "recent" && r.RecentWindowDays <= 0 {
		r.RecentWindowDays = 90
	}
	for _, p := range append(append([]string{}, r.Branches.Patterns...), r.Branches.ExcludePatterns...) {
		if _, err := path.Match(p, "probe"); err != nil {
			return &port.ValidationError{Field: "branches", Reason: fmt.Sprintf("bad pattern %q: %v", p, err)}
		}
	}
	return nil
}

// Hash returns a stable digest of the configuration that produced a sync,
// used for change detection on the registry entry.
func (r *RepoConfig) Hash() string {
	include := append([]string{}, r.Branches.Patterns...)
	exclude := append([]string{}, r.Branches.ExcludePatterns...)
	sort.Strings(include)
	sort.Strings(exclude)

	h := sha256.New()
	fmt.Fprintf(h, "url=%s\nstrategy=%s\ninclude=%s\nexclude=%s\nprune=%t\nwindow=%d\n",
		r.URL, r.Strategy,
		strings.Join(include, ","), strings.Join(exclude, ","),
		r.PruneDeleted, r.RecentWindowDays,
	)
	return hex.EncodeToString(h.Sum(nil))
}
