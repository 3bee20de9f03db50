package domain

import "time"

// CommitRecord holds the persisted metadata for a single commit.
// Hash uniqueness is scoped per repository, not global.
type CommitRecord struct {
	RepoID         string    `json:"repo_id"      db:"repo_id"`
	SHA            string    `json:"sha"          db:"sha"`
	Message        string    `json:"message"      db:"message"`
	AuthorName     string    `json:"author_name"  db:"author_name"`
	AuthorEmail    string    `json:"author_email" db:"author_email"`
	AuthoredAt     time.Time `json:"authored_at"  db:"authored_at"`
	CommitterName  string    `json:"committer_name"  db:"committer_name"`
	CommitterEmail string    `json:"committer_email" db:"committer_email"`
	CommittedAt    time.Time `json:"committed_at" db:"committed_at"`
	Parents        []string  `json:"parents"`
	Branches       []string  `json:"branches,omitempty"`

	// Analysis annotations — recomputed by analyze runs, never by sync.
	Classification string  `json:"classification,omitempty" db:"classification"`
	Impact         float64 `json:"impact,omitempty"         db:"impact"`
}

// Ref is a named pointer to a commit, as reported by the git provider.
type Ref struct {
	Name  string `json:"name"`
	SHA   string `json:"sha"`
	IsTag bool   `json:"is_tag"`
}

// Commit classification constants.
const (
	ClassMerge    = "merge"
	ClassFix      = "fix"
	ClassFeature  = "feature"
	ClassRefactor = "refactor"
	ClassDocs     = "docs"
	ClassOther    = "other"
)
