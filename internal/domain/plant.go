package domain

import (
	"sort"
	"strings"
)

// Plant is a solar installation as listed by the vendor API.
type Plant struct {
	Code string `json:"plant_code"`
	Name string `json:"plant_name"`
}

// SortPlants orders plants by code so the listing is stable across runs.
// Duplicate codes are dropped, keeping the first occurrence.
func SortPlants(plants []Plant) []Plant {
	seen := make(map[string]struct{}, len(plants))
	out := make([]Plant, 0, len(plants))
	for _, p := range plants {
		p.Code = strings.TrimSpace(p.Code)
		if p.Code == "" {
			continue
		}
		if _, ok := seen[p.Code]; ok {
			continue
		}
		seen[p.Code] = struct{}{}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Code < out[j].Code
	})
	return out
}

// PlantsAfter returns the plants strictly after cursor in code order.
// An empty cursor returns all plants. plants must already be sorted.
func PlantsAfter(plants []Plant, cursor string) []Plant {
	if cursor == "" {
		return plants
	}
	idx := sort.Search(len(plants), func(i int) bool {
		return plants[i].Code > cursor
	})
	return plants[idx:]
}
