package backends

import "regexp"

var (
	showCallRe = regexp.MustCompile(`\b(?:plt|pyplot)\.show\(\)`)
	savefigRe  = regexp.MustCompile(`savefig\s*\(`)
)

// sanitizePython prepares plotting code for headless execution: forces the
// Agg backend before any matplotlib import, strips interactive show() calls,
// and appends a savefig fallback when the code never saves its figure.
func sanitizePython(code string) string {
	header := "import matplotlib\nmatplotlib.use(\"Agg\")\n"

	code = showCallRe.ReplaceAllString(code, "")

	footer := ""
	if !savefigRe.MatchString(code) {
		footer = "\nimport os as _os\n" +
			"import matplotlib.pyplot as _plt\n" +
			"_plt.savefig(_os.environ.get(\"DIAGRAM_OUTPUT_PATH\", \"output.png\"), " +
			"dpi=150, bbox_inches=\"tight\")\n"
	}

	return header + code + footer
}
