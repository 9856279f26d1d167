// Package backends runs the external diagram renderers (pdflatex, a python
// sandbox for matplotlib, and the graphviz engines) and normalizes their
// output into a uniform RenderResult.
package backends

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// RenderResult is the uniform contract every backend returns. Consumers only
// look at Success, ImageBytes, Error and Stderr; the rest is diagnostics.
type RenderResult struct {
	Success    bool
	ImageBytes []byte
	Format     string
	Stdout     string
	Stderr     string
	Error      string
	Backend    string
	SourceCode string
}

// Config carries the external tool paths and timeouts.
type Config struct {
	PdflatexPath   string
	DotPath        string
	PythonPath     string
	PdftoppmPath   string
	RenderTimeout  time.Duration
	SandboxTimeout time.Duration
}

// Renderer executes render requests against the configured toolchain.
type Renderer struct {
	cfg Config
}

// New builds a renderer, filling zero config fields with defaults.
func New(cfg Config) *Renderer {
	if cfg.PdflatexPath == "" {
		cfg.PdflatexPath = "pdflatex"
	}
	if cfg.DotPath == "" {
		cfg.DotPath = "dot"
	}
	if cfg.PythonPath == "" {
		cfg.PythonPath = "python3"
	}
	if cfg.PdftoppmPath == "" {
		cfg.PdftoppmPath = "pdftoppm"
	}
	if cfg.RenderTimeout == 0 {
		cfg.RenderTimeout = 60 * time.Second
	}
	if cfg.SandboxTimeout == 0 {
		cfg.SandboxTimeout = 30 * time.Second
	}
	return &Renderer{cfg: cfg}
}

// GraphvizEngines is the closed set of accepted layout engines.
var GraphvizEngines = []string{"dot", "neato", "circo", "fdp", "sfdp", "twopi"}

// ValidEngine reports whether engine names a known graphviz layout engine.
func ValidEngine(engine string) bool {
	for _, e := range GraphvizEngines {
		if e == engine {
			return true
		}
	}
	return false
}

type runOutput struct {
	stdout   string
	stderr   string
	err      error
	timedOut bool
	notFound bool
}

func (r *Renderer) run(ctx context.Context, timeout time.Duration, env []string, name string, args ...string) runOutput {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	if env != nil {
		cmd.Env = env
	}
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := runOutput{stdout: stdout.String(), stderr: stderr.String(), err: err}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		out.timedOut = true
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) || errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		out.notFound = true
	}
	return out
}

const tikzTemplate = `
\documentclass[tikz,border=10pt]{standalone}
\usepackage{tikz}
\usepackage{pgfplots}
\usepackage{amsmath}
\usepackage{amssymb}
\usepackage{bm}
\usetikzlibrary{
    arrows.meta,
    shapes,
    shapes.geometric,
    positioning,
    calc,
    decorations.pathmorphing,
    decorations.markings,
    patterns,
    3d,
    matrix,
    cd
}
\pgfplotsset{compat=1.18}
\begin{document}
%BODY%
\end{document}
`

// RenderTikZ compiles TikZ/LaTeX source to PNG via pdflatex and pdftoppm.
// Bare TikZ snippets are wrapped in a standalone document preamble.
func (r *Renderer) RenderTikZ(ctx context.Context, latexSource string) RenderResult {
	if !strings.Contains(latexSource, `\documentclass`) {
		latexSource = strings.Replace(tikzTemplate, "%BODY%", latexSource, 1)
	}
	fail := func(errMsg, stderr string) RenderResult {
		return RenderResult{Success: false, Error: errMsg, Stderr: stderr, Backend: "tikz", SourceCode: latexSource}
	}

	tmpdir, err := os.MkdirTemp("", "tikz-*")
	if err != nil {
		return fail(fmt.Sprintf("create temp dir: %v", err), "")
	}
	defer os.RemoveAll(tmpdir)

	texFile := filepath.Join(tmpdir, "diagram.tex")
	if err := os.WriteFile(texFile, []byte(latexSource), 0o644); err != nil {
		return fail(fmt.Sprintf("write tex source: %v", err), "")
	}

	out := r.run(ctx, r.cfg.RenderTimeout, nil, r.cfg.PdflatexPath,
		"-interaction=nonstopmode", "-halt-on-error", "-output-directory", tmpdir, texFile)
	if out.notFound {
		return fail("pdflatex not found. Install TeX Live or MiKTeX and ensure pdflatex is on PATH.", "")
	}
	if out.timedOut {
		return fail(fmt.Sprintf("pdflatex timed out after %ds", int(r.cfg.RenderTimeout.Seconds())), out.stderr)
	}

	pdfFile := filepath.Join(tmpdir, "diagram.pdf")
	if _, err := os.Stat(pdfFile); err != nil {
		return fail(extractLatexError(out.stdout+out.stderr), out.stderr)
	}

	pngPrefix := filepath.Join(tmpdir, "diagram")
	convert := r.run(ctx, r.cfg.RenderTimeout, nil, r.cfg.PdftoppmPath,
		"-png", "-r", "200", "-f", "1", "-l", "1", "-singlefile", pdfFile, pngPrefix)
	if convert.notFound || convert.err != nil {
		msg := convert.stderr
		if msg == "" && convert.err != nil {
			msg = convert.err.Error()
		}
		return fail(fmt.Sprintf("PDF-to-PNG conversion failed: %s", strings.TrimSpace(msg)), convert.stderr)
	}

	imageBytes, err := os.ReadFile(pngPrefix + ".png")
	if err != nil {
		return fail(fmt.Sprintf("PDF-to-PNG conversion failed: %v", err), convert.stderr)
	}
	return RenderResult{
		Success:    true,
		ImageBytes: imageBytes,
		Format:     "png",
		Stdout:     out.stdout,
		Stderr:     out.stderr,
		Backend:    "tikz",
		SourceCode: latexSource,
	}
}

// RenderMatplotlib executes python plotting code in an isolated interpreter
// and collects the PNG it saves.
func (r *Renderer) RenderMatplotlib(ctx context.Context, pythonSource string) RenderResult {
	fail := func(errMsg, stderr, stdout string) RenderResult {
		return RenderResult{Success: false, Error: errMsg, Stderr: stderr, Stdout: stdout, Backend: "matplotlib", SourceCode: pythonSource}
	}

	tmpdir, err := os.MkdirTemp("", "mpl-*")
	if err != nil {
		return fail(fmt.Sprintf("create temp dir: %v", err), "", "")
	}
	defer os.RemoveAll(tmpdir)

	scriptPath := filepath.Join(tmpdir, "diagram.py")
	outputPath := filepath.Join(tmpdir, "diagram.png")
	if err := os.WriteFile(scriptPath, []byte(sanitizePython(pythonSource)), 0o644); err != nil {
		return fail(fmt.Sprintf("write script: %v", err), "", "")
	}

	env := append(os.Environ(), "DIAGRAM_OUTPUT_PATH="+outputPath, "MPLBACKEND=Agg")
	out := r.run(ctx, r.cfg.SandboxTimeout, env, r.cfg.PythonPath, "-I", scriptPath)
	if out.notFound {
		return fail("python interpreter not found. Set the python_path setting.", "", "")
	}
	if out.timedOut {
		return fail(fmt.Sprintf("Matplotlib execution timed out after %ds", int(r.cfg.SandboxTimeout.Seconds())), out.stderr, out.stdout)
	}
	if out.err != nil {
		errMsg := strings.TrimSpace(out.stderr)
		if errMsg == "" {
			errMsg = "Script exited with non-zero status"
		}
		return fail(errMsg, out.stderr, out.stdout)
	}

	imageBytes, err := os.ReadFile(outputPath)
	if err != nil {
		return fail("Script ran but produced no output file. Ensure the code calls plt.savefig().", out.stderr, out.stdout)
	}
	return RenderResult{
		Success:    true,
		ImageBytes: imageBytes,
		Format:     "png",
		Stdout:     out.stdout,
		Stderr:     out.stderr,
		Backend:    "matplotlib",
		SourceCode: pythonSource,
	}
}

// RenderGraphviz lays out DOT source with the requested engine.
func (r *Renderer) RenderGraphviz(ctx context.Context, dotSource, engine string) RenderResult {
	if engine == "" {
		engine = "dot"
	}
	fail := func(errMsg, stderr string) RenderResult {
		return RenderResult{Success: false, Error: errMsg, Stderr: stderr, Backend: "graphviz", SourceCode: dotSource}
	}
	if !ValidEngine(engine) {
		return fail(fmt.Sprintf("unknown graphviz engine %q", engine), "")
	}

	tmpdir, err := os.MkdirTemp("", "gv-*")
	if err != nil {
		return fail(fmt.Sprintf("create temp dir: %v", err), "")
	}
	defer os.RemoveAll(tmpdir)

	dotFile := filepath.Join(tmpdir, "diagram.dot")
	pngFile := filepath.Join(tmpdir, "diagram.png")
	if err := os.WriteFile(dotFile, []byte(dotSource), 0o644); err != nil {
		return fail(fmt.Sprintf("write dot source: %v", err), "")
	}

	out := r.run(ctx, r.cfg.RenderTimeout, nil, r.resolveEngine(engine),
		"-Tpng", "-o", pngFile, dotFile)
	if out.notFound {
		return fail(fmt.Sprintf("Graphviz '%s' not found. Install Graphviz and ensure it is on PATH.", engine), "")
	}
	if out.timedOut {
		return fail(fmt.Sprintf("Graphviz timed out after %ds", int(r.cfg.RenderTimeout.Seconds())), out.stderr)
	}

	imageBytes, readErr := os.ReadFile(pngFile)
	if out.err != nil || readErr != nil {
		errMsg := strings.TrimSpace(out.stderr)
		if errMsg == "" {
			errMsg = "Graphviz failed with no error message"
		}
		return fail(errMsg, out.stderr)
	}
	return RenderResult{
		Success:    true,
		ImageBytes: imageBytes,
		Format:     "png",
		Stdout:     out.stdout,
		Stderr:     out.stderr,
		Backend:    "graphviz",
		SourceCode: dotSource,
	}
}

// resolveEngine maps an engine name to its binary, using DotPath as the hint
// for where the graphviz install lives.
func (r *Renderer) resolveEngine(engine string) string {
	dotPath := r.cfg.DotPath
	if info, err := os.Stat(dotPath); err == nil && info.IsDir() {
		return filepath.Join(dotPath, engine)
	}
	base := strings.ToLower(filepath.Base(dotPath))
	if (base == "dot" || base == "dot.exe") && filepath.Dir(dotPath) != "." {
		return filepath.Join(filepath.Dir(dotPath), engine)
	}
	return engine
}

// extractLatexError pulls the first LaTeX error line plus context from a
// pdflatex log.
func extractLatexError(log string) string {
	lines := strings.Split(log, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "!") {
			end := i + 5
			if end > len(lines) {
				end = len(lines)
			}
			return strings.Join(lines[i:end], "\n")
		}
	}
	if len(log) > 2000 {
		return log[len(log)-2000:]
	}
	return log
}
