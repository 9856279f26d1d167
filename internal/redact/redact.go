// Package redact scrubs secrets from structured values and free text before
// they reach trace telemetry, logs, or persisted session state.
package redact

import (
	"os"
	"regexp"
	"sort"
	"strings"
)

// Redacted is the replacement marker for key-based and header redactions.
const Redacted = "[REDACTED]"

// RedactedEnv is the replacement marker for environment secret literals.
const RedactedEnv = "[REDACTED_ENV]"

// RuleSet collects the names of redaction rules that fired.
type RuleSet map[string]struct{}

// NewRuleSet returns an empty rule set.
func NewRuleSet() RuleSet { return make(RuleSet) }

// Add records a rule name.
func (r RuleSet) Add(name string) { r[name] = struct{}{} }

// Merge folds another set of rule names into this one.
func (r RuleSet) Merge(names []string) {
	for _, n := range names {
		r[n] = struct{}{}
	}
}

// Sorted returns the rule names in sorted order.
func (r RuleSet) Sorted() []string {
	out := make([]string, 0, len(r))
	for name := range r {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

var sensitiveExactKeys = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"cookie":              {},
	"set-cookie":          {},
	"api_key":             {},
	"apikey":              {},
	"access_token":        {},
	"refresh_token":       {},
	"id_token":            {},
	"token":               {},
	"secret":              {},
	"client_secret":       {},
	"password":            {},
	"passphrase":          {},
	"private_key":         {},
	"ssh_key":             {},
}

// IsSensitiveKey reports whether a map key names a credential-bearing field.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	if _, ok := sensitiveExactKeys[k]; ok {
		return true
	}
	return strings.HasSuffix(k, "_key") ||
		strings.HasSuffix(k, "_token") ||
		strings.HasSuffix(k, "_secret") ||
		strings.HasSuffix(k, "_password")
}

// Structured walks maps and slices replacing values under sensitive keys with
// the redaction marker. It returns the rewritten value and whether anything
// changed; fired rules are recorded in rules.
func Structured(value any, rules RuleSet) (any, bool) {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		changed := false
		for key, item := range v {
			if IsSensitiveKey(key) {
				out[key] = Redacted
				changed = true
				rules.Add("key_based")
				continue
			}
			next, childChanged := Structured(item, rules)
			changed = changed || childChanged
			out[key] = next
		}
		return out, changed
	case []any:
		out := make([]any, len(v))
		changed := false
		for i, item := range v {
			next, childChanged := Structured(item, rules)
			changed = changed || childChanged
			out[i] = next
		}
		return out, changed
	default:
		return value, false
	}
}

type textPattern struct {
	rule string
	re   *regexp.Regexp
	repl func(match string, re *regexp.Regexp) string
}

func literal(s string) func(string, *regexp.Regexp) string {
	return func(string, *regexp.Regexp) string { return s }
}

var textPatterns = []textPattern{
	{
		rule: "auth_header",
		re:   regexp.MustCompile(`(?i)authorization\s*[:=]\s*(bearer|basic)\s+[^\s"]+`),
		repl: func(match string, re *regexp.Regexp) string {
			sub := re.FindStringSubmatch(match)
			return "authorization: " + strings.ToLower(sub[1]) + " " + Redacted
		},
	},
	{
		rule: "header_secret",
		re:   regexp.MustCompile(`(?i)(x-api-key|api-key|x-auth-token|x-access-token)\s*[:=]\s*[^\s"]+`),
		repl: func(match string, re *regexp.Regexp) string {
			sub := re.FindStringSubmatch(match)
			return sub[1] + ": " + Redacted
		},
	},
	{
		rule: "openai_key",
		re:   regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),
		repl: literal("sk-" + Redacted),
	},
	{
		rule: "anthropic_key",
		re:   regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{20,}\b`),
		repl: literal("sk-ant-" + Redacted),
	},
	{
		rule: "github_token",
		re:   regexp.MustCompile(`\bghp_[A-Za-z0-9]{20,}\b`),
		repl: literal("ghp_" + Redacted),
	},
	{
		rule: "github_token",
		re:   regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{20,}\b`),
		repl: literal("github_pat_" + Redacted),
	},
	{
		rule: "slack_token",
		re:   regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`),
		repl: literal("xox*- " + Redacted),
	},
	{
		rule: "private_key_block",
		re:   regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
		repl: literal("[REDACTED_PRIVATE_KEY_BLOCK]"),
	},
	{
		rule: "dotenv_line",
		re:   regexp.MustCompile(`(?m)^([A-Z0-9_]{2,})=(.+)$`),
		repl: func(match string, re *regexp.Regexp) string {
			sub := re.FindStringSubmatch(match)
			return sub[1] + "=" + Redacted
		},
	},
}

// envLineKeys are environment variable names whose assignments are scrubbed
// wherever they appear inside a line of text.
var envLineKeys = []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENAI_BASE_URL"}

var envAssignment = regexp.MustCompile(`=[^\s]+`)

// Engine applies text redaction including the process-local environment
// secret literal scan. Build one at startup and share it.
type Engine struct {
	envSecrets []string
}

// NewEngine scans the current process environment for secret-looking values.
func NewEngine() *Engine {
	return NewEngineFromEnviron(os.Environ())
}

// NewEngineFromEnviron builds an engine from an explicit environment in
// KEY=value form.
func NewEngineFromEnviron(environ []string) *Engine {
	values := make([]string, 0, len(environ))
	for _, entry := range environ {
		key, val, ok := strings.Cut(entry, "=")
		if !ok || val == "" {
			continue
		}
		upper := strings.ToUpper(key)
		looksSecret := false
		for _, k := range envLineKeys {
			if upper == k {
				looksSecret = true
				break
			}
		}
		if !looksSecret {
			looksSecret = strings.Contains(upper, "KEY") ||
				strings.Contains(upper, "TOKEN") ||
				strings.Contains(upper, "SECRET") ||
				strings.Contains(upper, "PASSWORD") ||
				strings.Contains(upper, "PASSPHRASE") ||
				strings.Contains(upper, "AUTH")
		}
		// A value containing the replacement marker would re-introduce a
		// match on every pass and keep the fixed-point loop from settling.
		if strings.Contains(val, "REDACTED_ENV") {
			continue
		}
		if looksSecret || len(val) >= 20 {
			values = append(values, val)
		}
	}
	// Longest first so substring secrets cannot leave residue.
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	return &Engine{envSecrets: values}
}

// maxTextPasses bounds the fixed-point loop in Text. Real inputs converge in
// one or two passes; the cap only matters if a replacement ever re-creates a
// match.
const maxTextPasses = 8

// Text scrubs secrets from free text. Patterns are reapplied until the text
// reaches a fixed point, so the output is stable under re-redaction. It
// returns the scrubbed text and whether anything changed; fired rules are
// recorded in rules.
func (e *Engine) Text(value string, rules RuleSet) (string, bool) {
	text := value
	changedAny := false

	for pass := 0; pass < maxTextPasses; pass++ {
		changed := false

		for _, p := range textPatterns {
			next := p.re.ReplaceAllStringFunc(text, func(m string) string {
				return p.repl(m, p.re)
			})
			if next != text {
				changed = true
				changedAny = true
				rules.Add(p.rule)
				text = next
			}
		}

		if next, ok := e.redactEnvLines(text); ok {
			changed = true
			changedAny = true
			rules.Add("env_line")
			text = next
		}

		envValueChanged := false
		for _, secret := range e.envSecrets {
			if secret == "" {
				continue
			}
			next := strings.ReplaceAll(text, secret, RedactedEnv)
			if next != text {
				text = next
				envValueChanged = true
			}
		}
		if envValueChanged {
			changed = true
			changedAny = true
			rules.Add("env_value")
		}

		if !changed {
			break
		}
	}
	return text, changedAny
}

func (e *Engine) redactEnvLines(text string) (string, bool) {
	lines := splitLinesKeepEnds(text)
	changed := false
	for i, line := range lines {
		normalized := strings.ToUpper(line)
		for _, key := range envLineKeys {
			if strings.Contains(normalized, key+"=") {
				next := envAssignment.ReplaceAllString(line, "="+Redacted)
				if next != line {
					lines[i] = next
					changed = true
				}
				break
			}
		}
	}
	if !changed {
		return text, false
	}
	return strings.Join(lines, ""), true
}

func splitLinesKeepEnds(text string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			lines = append(lines, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		lines = append(lines, text[start:])
	}
	return lines
}
