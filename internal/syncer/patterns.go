package syncer

import (
	"fmt"
	"path"

	"github.com/arturoeanton/repolens/internal/domain"
	"github.com/arturoeanton/repolens/internal/port"
	"github.com/arturoeanton/repolens/pkg/config"
)

// FilterRefs applies glob-style include/exclude patterns to a ref list.
// Exclusion takes precedence over inclusion; an empty include list selects
// every ref not excluded.
func FilterRefs(refs []domain.Ref, bc config.BranchConfig) ([]domain.Ref, error) {
	var selected []domain.Ref
	for _, ref := range refs {
		excluded, err := matchAny(bc.ExcludePatterns, ref.Name)
		if err != nil {
			return nil, err
		}
		if excluded {
			continue
		}
		if len(bc.Patterns) == 0 {
			selected = append(selected, ref)
			continue
		}
		included, err := matchAny(bc.Patterns, ref.Name)
		if err != nil {
			return nil, err
		}
		if included {
			selected = append(selected, ref)
		}
	}
	return selected, nil
}

func matchAny(patterns []string, name string) (bool, error) {
	for _, p := range patterns {
		ok, err := path.Match(p, name)
		if err != nil {
			return false, &port.ValidationError{Field: "branches", Reason: fmt.Sprintf("bad pattern %q", p)}
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
