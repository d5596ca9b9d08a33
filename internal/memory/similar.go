package memory

import (
	"sort"
	"strings"
)

// similarityScanLimit bounds how many recent records a similarity search
// scores. History beyond this is too old to be useful planning context.
const similarityScanLimit = 200

// FindSimilar returns past project records ordered most-similar first.
// Similarity is token overlap between the instruction and each record's
// summary. The result is finite and restartable: callers get a fresh slice
// each time. Records with no overlapping tokens are omitted.
func (s *Store) FindSimilar(instruction string, limit int) ([]ProjectRecord, error) {
	if limit <= 0 {
		limit = 5
	}

	records, err := s.RecentProjects(similarityScanLimit)
	if err != nil {
		return nil, err
	}

	query := tokenSet(instruction)
	if len(query) == 0 {
		return nil, nil
	}

	var scored []ProjectRecord
	for _, r := range records {
		score := overlap(query, tokenSet(r.RequestSummary))
		if score > 0 {
			r.Similarity = score
			scored = append(scored, r)
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?()[]\"'")
		if len(tok) < 3 {
			continue
		}
		set[tok] = struct{}{}
	}
	return set
}

// overlap is the Jaccard index of two token sets.
func overlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	common := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			common++
		}
	}
	union := len(a) + len(b) - common
	return float64(common) / float64(union)
}
