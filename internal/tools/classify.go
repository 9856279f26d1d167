package tools

import (
	"fmt"
	"sort"
	"strings"
)

// Keyword tables for the deterministic backend classifier. Each hit counts
// once; the backend with the most hits wins, ties resolve in favor of tikz.
var classifyKeywords = map[string][]string{
	"graphviz": {
		"graph", "tree", "flowchart", "flow chart", "state machine", "automaton",
		"network", "hierarchy", "dag", "nodes", "edges", "digraph", "dependency",
		"topology", "linked list", "org chart",
	},
	"matplotlib": {
		"plot", "function", "sine", "cosine", "curve", "histogram", "scatter",
		"bar chart", "pie chart", "axis", "axes", "distribution", "heatmap",
		"data", "time series", "contour", "3d surface",
	},
	"tikz": {
		"triangle", "circle", "angle", "vector", "geometry", "geometric",
		"theorem", "proof", "coordinate", "polygon", "tangent", "matrix",
		"commutative diagram", "venn", "number line", "unit circle",
	},
}

var classifyRationale = map[string]string{
	"tikz":       "precise geometric figures, labeled constructions, and mathematical notation",
	"matplotlib": "function plots, data visualization, and numeric charts",
	"graphviz":   "node-and-edge structures with automatic layout",
}

// ClassifyDiagram recommends a render backend for a diagram description.
// The classifier is deterministic so repeated calls with the same
// description always agree.
func ClassifyDiagram(description string) string {
	lowered := strings.ToLower(description)

	scores := make(map[string]int, len(classifyKeywords))
	for backend, keywords := range classifyKeywords {
		for _, kw := range keywords {
			if strings.Contains(lowered, kw) {
				scores[backend]++
			}
		}
	}

	backends := []string{"tikz", "matplotlib", "graphviz"}
	sort.SliceStable(backends, func(i, j int) bool {
		return scores[backends[i]] > scores[backends[j]]
	})
	best := backends[0]

	return fmt.Sprintf(
		"Recommended backend: %s\nRationale: best suited for %s.\nUse render_%s to produce the diagram.",
		best, classifyRationale[best], best,
	)
}
