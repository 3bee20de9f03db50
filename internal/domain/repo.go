package domain

import (
	"fmt"
	"strings"
	"time"
)

// RepositoryEntry represents a tracked Git repository in the registry.
type RepositoryEntry struct {
	ID             string     `json:"id"             db:"id"`
	CanonicalPath  string     `json:"canonical_path" db:"canonical_path"`
	URL            string     `json:"url"            db:"url"`
	LocalPath      string     `json:"-"              db:"local_path"`
	Status         string     `json:"status"         db:"status"` // not_synced, active, syncing, error, paused
	LastSyncedAt   *time.Time `json:"last_synced_at,omitempty"   db:"last_synced_at"`
	LastAnalyzedAt *time.Time `json:"last_analyzed_at,omitempty" db:"last_analyzed_at"`
	CommitCount    int        `json:"commit_count"   db:"commit_count"`
	BranchCount    int        `json:"branch_count"   db:"branch_count"`
	DiskSizeBytes  int64      `json:"disk_size_bytes" db:"disk_size_bytes"`
	ConfigHash     string     `json:"-"              db:"config_hash"`
	LastError      string     `json:"last_error,omitempty" db:"last_error"`
	CreatedAt      time.Time  `json:"created_at"     db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"     db:"updated_at"`
}

// Repository status constants.
const (
	RepoStatusNotSynced = "not_synced"
	RepoStatusActive    = "active"
	RepoStatusSyncing   = "syncing"
	RepoStatusError     = "error"
	RepoStatusPaused    = "paused"
)

// Sync strategy constants.
const (
	StrategyFull   = "full"
	StrategyRecent = "recent"
	StrategyManual = "manual"
)

// CanonicalPath derives the host/owner/name identifier for a repository URL.
// The same repository reached over ssh or https canonicalizes to the same path.
func CanonicalPath(rawURL string) (string, error) {
	s := strings.TrimSpace(rawURL)
	if s == "" {
		return "", fmt.Errorf("empty repository url")
	}

	// scp-like syntax: git@github.com:owner/name.git
	if !strings.Contains(s, "://") {
		if at := strings.Index(s, "@"); at >= 0 {
			s = s[at+1:]
		}
		s = strings.Replace(s, ":", "/", 1)
	} else {
		s = s[strings.Index(s, "://")+3:]
		if at := strings.Index(s, "@"); at >= 0 {
			s = s[at+1:]
		}
		// strip an explicit port
		if slash := strings.Index(s, "/"); slash > 0 {
			host := s[:slash]
			if colon := strings.Index(host, ":"); colon >= 0 {
				s = host[:colon] + s[slash:]
			}
		}
	}

	s = strings.TrimSuffix(s, "/")
	s = strings.TrimSuffix(s, ".git")

	parts := strings.Split(s, "/")
	if len(parts) < 3 {
		return "", fmt.Errorf("cannot derive canonical path from %q", rawURL)
	}
	host := strings.ToLower(parts[0])
	owner := parts[len(parts)-2]
	name := parts[len(parts)-1]
	if host == "" || owner == "" || name == "" {
		return "", fmt.Errorf("cannot derive canonical path from %q", rawURL)
	}
	return host + "/" + owner + "/" + name, nil
}
