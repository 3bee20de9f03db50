package service

import (
	"strings"

	"github.com/arturoeanton/repolens/internal/domain"
)

// Classify derives a classification and an impact estimate from commit
// metadata alone. The heuristics only look at the message subject and the
// parent count; they are recomputed on every analyze run.
func Classify(c domain.CommitRecord) (string, float64) {
	if len(c.Parents) > 1 {
		return domain.ClassMerge, 0.1
	}

	subject := strings.ToLower(firstLine(c.Message))

	class := domain.ClassOther
	switch {
	case hasAny(subject, "fix", "bug", "hotfix", "patch", "regression"):
		class = domain.ClassFix
	case hasAny(subject, "feat", "add ", "adds ", "implement", "introduce", "support "):
		class = domain.ClassFeature
	case hasAny(subject, "refactor", "cleanup", "clean up", "simplify", "rework", "rename"):
		class = domain.ClassRefactor
	case hasAny(subject, "doc", "readme", "typo", "comment", "changelog"):
		class = domain.ClassDocs
	}

	impact := baseImpact(class)
	// Commits reachable from several branches were backported or merged
	// around, which usually means they matter more.
	if len(c.Branches) > 1 {
		impact += 0.1
	}
	if impact > 1.0 {
		impact = 1.0
	}
	return class, impact
}

func baseImpact(class string) float64 {
	switch class {
	case domain.ClassFix:
		return 0.6
	case domain.ClassFeature:
		return 0.8
	case domain.ClassRefactor:
		return 0.5
	case domain.ClassDocs:
		return 0.2
	default:
		return 0.3
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func hasAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
