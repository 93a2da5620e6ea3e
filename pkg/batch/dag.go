package batch

import (
	"sort"
	"strings"

	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

// topoLayers orders one event's fragments into dependency layers using
// Kahn's algorithm. Layer k contains every fragment whose longest hint
// chain has length k, so all members of a layer can be written together.
// Hints naming fragments outside the event are best-effort and ignored.
func topoLayers(fragments []types.ChangeFragment) ([][]types.ChangeFragment, error) {
	byID := make(map[string]types.ChangeFragment, len(fragments))
	for _, f := range fragments {
		byID[f.ID] = f
	}

	indegree := make(map[string]int, len(fragments))
	dependents := make(map[string][]string)
	for _, f := range fragments {
		indegree[f.ID] = 0
	}
	for _, f := range fragments {
		for _, hint := range f.DependencyHints {
			if _, known := byID[hint]; !known {
				continue
			}
			indegree[f.ID]++
			dependents[hint] = append(dependents[hint], f.ID)
		}
	}

	frontier := make([]string, 0, len(fragments))
	for _, f := range fragments {
		if indegree[f.ID] == 0 {
			frontier = append(frontier, f.ID)
		}
	}

	var layers [][]types.ChangeFragment
	resolved := 0
	for len(frontier) > 0 {
		sort.Strings(frontier) // deterministic layer order
		layer := make([]types.ChangeFragment, 0, len(frontier))
		var next []string
		for _, id := range frontier {
			layer = append(layer, byID[id])
			resolved++
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		layers = append(layers, layer)
		frontier = next
	}

	if resolved != len(fragments) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, errs.Newf(errs.CodeDependencyCycle,
			"dependency cycle among fragments: %s", strings.Join(stuck, ", "))
	}
	return layers, nil
}
