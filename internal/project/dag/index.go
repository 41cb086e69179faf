package dag

import (
	"sort"

	"buildd/internal/project"
)

type ProjectID uint32

type ProjectIndex struct {
	NameToID map[string]ProjectID
	IDToName []string
}

// собрать уникальные имена, sort.Strings, раздать ID по порядку
func BuildIndex(projects []*project.Project) ProjectIndex {
	uniq := make(map[string]struct{}, len(projects))
	for _, p := range projects {
		if p == nil {
			continue
		}
		if p.Name != "" {
			uniq[p.Name] = struct{}{}
		}
		for _, dep := range p.Dependencies {
			if dep == "" {
				continue
			}
			uniq[dep] = struct{}{}
		}
	}

	names := make([]string, 0, len(uniq))
	for name := range uniq {
		names = append(names, name)
	}
	sort.Strings(names)

	nameToID := make(map[string]ProjectID, len(names))
	for i, name := range names {
		nameToID[name] = ProjectID(i)
	}

	return ProjectIndex{
		NameToID: nameToID,
		IDToName: names,
	}
}

// Name returns the project name for id.
func (idx ProjectIndex) Name(id ProjectID) string {
	return idx.IDToName[int(id)]
}
