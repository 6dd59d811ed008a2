// Package research classifies how a set of search results evolved
// between two snapshots of the same research thread.
package research

import (
	"fmt"
	"strings"
)

// relevanceThreshold suppresses noise: re-scoring jitter between runs is
// not a refinement worth surfacing to the user.
const relevanceThreshold = 0.2

type SearchResult struct {
	URL       string  `json:"url"`
	Title     string  `json:"title"`
	Content   string  `json:"content"`
	Relevance float64 `json:"relevance"`
	Depth     int     `json:"depth"`
}

type DiffKind string

const (
	DiffAdded     DiffKind = "added"
	DiffRefined   DiffKind = "refined"
	DiffRemoved   DiffKind = "removed"
	DiffUnchanged DiffKind = "unchanged"
)

// ResultDiff is request-scoped: built from two snapshots, consumed by the
// caller, never persisted.
type ResultDiff struct {
	Type           DiffKind     `json:"type"`
	Result         SearchResult `json:"result"`
	Changes        string       `json:"changes,omitempty"`
	RelevanceDelta float64      `json:"relevanceDelta,omitempty"`
	DepthDelta     int          `json:"depthDelta,omitempty"`
}

type DiffResult struct {
	Added     []ResultDiff `json:"added"`
	Refined   []ResultDiff `json:"refined"`
	Removed   []ResultDiff `json:"removed"`
	Unchanged []ResultDiff `json:"unchanged"`

	NewInsights          int     `json:"newInsights"`
	Refinements          int     `json:"refinements"`
	TotalChanges         int     `json:"totalChanges"`
	RelevanceImprovement float64 `json:"relevanceImprovement"`
	DepthProgress        int     `json:"depthProgress"`
}

// Diff compares two ordered snapshots of search results. URL is the sole
// identity key: a result that changes URL between snapshots shows up as
// one removed plus one added entry. That is a deliberate simplification,
// not something to patch here.
func Diff(previous, current []SearchResult) *DiffResult {
	out := &DiffResult{
		Added:     []ResultDiff{},
		Refined:   []ResultDiff{},
		Removed:   []ResultDiff{},
		Unchanged: []ResultDiff{},
	}

	prevByURL := make(map[string]SearchResult, len(previous))
	for _, r := range previous {
		prevByURL[r.URL] = r
	}

	seen := make(map[string]bool, len(current))
	for _, cur := range current {
		seen[cur.URL] = true
		prev, ok := prevByURL[cur.URL]
		if !ok {
			out.Added = append(out.Added, ResultDiff{Type: DiffAdded, Result: cur})
			out.NewInsights++
			continue
		}

		var reasons []string
		relevanceDelta := cur.Relevance - prev.Relevance
		depthDelta := cur.Depth - prev.Depth

		if cur.Title != prev.Title {
			reasons = append(reasons, "title updated")
		}
		if cur.Content != prev.Content {
			reasons = append(reasons, "content updated")
		}
		if relevanceDelta > relevanceThreshold {
			reasons = append(reasons, fmt.Sprintf("relevance improved by %.1f%%", relevanceDelta*100))
		}
		// Depth only moves forward in this model; a negative delta is
		// never reported as a refinement.
		if depthDelta > 0 {
			reasons = append(reasons, fmt.Sprintf("depth increased by %d", depthDelta))
		}

		if len(reasons) == 0 {
			out.Unchanged = append(out.Unchanged, ResultDiff{Type: DiffUnchanged, Result: cur})
			continue
		}
		out.Refined = append(out.Refined, ResultDiff{
			Type:           DiffRefined,
			Result:         cur,
			Changes:        strings.Join(reasons, ", "),
			RelevanceDelta: relevanceDelta,
			DepthDelta:     depthDelta,
		})
		out.Refinements++
	}

	for _, prev := range previous {
		if !seen[prev.URL] {
			out.Removed = append(out.Removed, ResultDiff{Type: DiffRemoved, Result: prev})
		}
	}

	out.TotalChanges = len(out.Added) + len(out.Refined) + len(out.Removed)
	if len(previous) > 0 && len(current) > 0 {
		out.RelevanceImprovement = meanRelevance(current) - meanRelevance(previous)
	}
	out.DepthProgress = maxDepth(current) - maxDepth(previous)

	return out
}

func meanRelevance(results []SearchResult) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += r.Relevance
	}
	return sum / float64(len(results))
}

func maxDepth(results []SearchResult) int {
	max := 0
	for _, r := range results {
		if r.Depth > max {
			max = r.Depth
		}
	}
	return max
}
