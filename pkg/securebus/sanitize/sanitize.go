// Package sanitize validates and cleans event payloads before dispatch.
//
// The Validator walks the JSON payload tree with depth, breadth and length
// limits. Every string leaf and every object key runs through one pipeline:
// truncate, decode hidden encodings, then the first matching stage of
// XSS → SQL/NoSQL/LDAP injection → HTML markup → dangerous URL scheme.
// Offending content is replaced by a marker and recorded as a Violation.
//
// Sanitizing an already sanitized payload returns it unchanged.
package sanitize

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tidwall/match"

	"github.com/randalmurphal/securebus/pkg/securebus/event"
)

// Severity ranks a violation.
type Severity int

// Violation severities.
const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Violation types.
const (
	ViolationXSS                = "xss"
	ViolationSQLInjection       = "sql_injection"
	ViolationHTML               = "html"
	ViolationDangerousURL       = "dangerous_url"
	ViolationDepthLimit         = "depth_limit"
	ViolationArrayLength        = "array_length"
	ViolationStringLength       = "string_length"
	ViolationPrototypePollution = "prototype_pollution"
	ViolationKeyCollision       = "key_collision"
)

// Violation describes one finding.
type Violation struct {
	Path     string
	Type     string
	Severity Severity
	Key      bool // found in an object key rather than a value
}

// Config configures the validator.
type Config struct {
	// MaxObjectDepth truncates nesting beyond this depth.
	// Default: 10
	MaxObjectDepth int

	// MaxArrayLength truncates longer arrays.
	// Default: 1000
	MaxArrayLength int

	// MaxStringLength truncates longer strings (in runes).
	// Default: 10000
	MaxStringLength int

	// BlockOnCritical blocks the event on any critical violation.
	// When false only critical violations under CriticalFields block.
	BlockOnCritical bool

	// CriticalFields are glob paths ("card.*", "items.*.note") whose
	// critical violations always block.
	CriticalFields []string

	// Logger for warnings. Nil disables logging.
	Logger *slog.Logger
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	MaxObjectDepth:  10,
	MaxArrayLength:  1000,
	MaxStringLength: 10000,
	BlockOnCritical: true,
}

// Result is the outcome of ValidateAndSanitize.
type Result struct {
	IsValid          bool
	Blocked          bool
	SanitizedPayload any
	Violations       []Violation
	OriginalSize     int
	SanitizedSize    int
}

// HasCritical reports whether any violation is critical.
func (r Result) HasCritical() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Validator sanitizes payloads. It is safe for concurrent use.
type Validator struct {
	mu  sync.RWMutex
	cfg Config
}

// New creates a validator.
func New(cfg Config) *Validator {
	v := &Validator{}
	v.Configure(cfg)
	return v
}

// Configure replaces the configuration. Zero limits take defaults.
func (v *Validator) Configure(cfg Config) {
	if cfg.MaxObjectDepth <= 0 {
		cfg.MaxObjectDepth = DefaultConfig.MaxObjectDepth
	}
	if cfg.MaxArrayLength <= 0 {
		cfg.MaxArrayLength = DefaultConfig.MaxArrayLength
	}
	if cfg.MaxStringLength <= 0 {
		cfg.MaxStringLength = DefaultConfig.MaxStringLength
	}
	v.mu.Lock()
	v.cfg = cfg
	v.mu.Unlock()
}

// Config returns the active configuration.
func (v *Validator) Config() Config {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg
}

// ValidateAndSanitize sanitizes the event payload. The event is not modified.
func (v *Validator) ValidateAndSanitize(evt *event.Event) Result {
	cfg := v.Config()
	return sanitizePayload(cfg, evt.Pattern, evt.Payload)
}

// Sanitize sanitizes a bare payload.
func (v *Validator) Sanitize(payload any) Result {
	return sanitizePayload(v.Config(), "", payload)
}

func sanitizePayload(cfg Config, eventPattern string, payload any) Result {
	w := &walker{cfg: cfg}
	out := w.value(payload, "", "", 0)

	res := Result{
		SanitizedPayload: out,
		Violations:       w.violations,
		OriginalSize:     jsonSize(payload),
		SanitizedSize:    jsonSize(out),
	}
	res.IsValid = len(res.Violations) == 0
	for _, viol := range res.Violations {
		if viol.Severity == SeverityCritical && (cfg.BlockOnCritical || isCriticalField(cfg, viol.Path)) {
			res.Blocked = true
			break
		}
	}
	if res.Blocked && cfg.Logger != nil {
		cfg.Logger.Warn("payload blocked",
			slog.String("pattern", eventPattern),
			slog.Int("violations", len(res.Violations)),
		)
	}
	return res
}

func isCriticalField(cfg Config, path string) bool {
	for _, glob := range cfg.CriticalFields {
		if match.Match(path, glob) {
			return true
		}
	}
	return false
}

func jsonSize(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}

type walker struct {
	cfg        Config
	violations []Violation
}

func (w *walker) record(path, typ string, sev Severity, key bool) {
	w.violations = append(w.violations, Violation{Path: path, Type: typ, Severity: sev, Key: key})
}

func (w *walker) value(v any, path, field string, depth int) any {
	switch val := v.(type) {
	case string:
		return w.str(val, path, field, false)
	case map[string]any:
		if depth >= w.cfg.MaxObjectDepth {
			w.record(path, ViolationDepthLimit, SeverityMedium, false)
			return nil
		}
		return w.object(val, path, depth)
	case []any:
		if depth >= w.cfg.MaxObjectDepth {
			w.record(path, ViolationDepthLimit, SeverityMedium, false)
			return nil
		}
		if len(val) > w.cfg.MaxArrayLength {
			w.record(path, ViolationArrayLength, SeverityMedium, false)
			val = val[:w.cfg.MaxArrayLength]
		}
		out := make([]any, len(val))
		for i, el := range val {
			out[i] = w.value(el, joinPath(path, strconv.Itoa(i)), field, depth+1)
		}
		return out
	default:
		return v
	}
}

func (w *walker) object(obj map[string]any, path string, depth int) map[string]any {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(obj))
	from := make(map[string]string, len(obj)) // clean key -> raw key
	for _, k := range keys {
		childPath := joinPath(path, k)
		if pollutionKeys[strings.TrimSpace(decode(k))] {
			w.record(childPath, ViolationPrototypePollution, SeverityCritical, true)
			continue
		}
		cleanKey := w.str(k, childPath, "", true)
		if pollutionKeys[cleanKey] {
			w.record(childPath, ViolationPrototypePollution, SeverityCritical, true)
			continue
		}
		if prev, dup := from[cleanKey]; dup {
			// A key that needed no cleaning wins over one that cleaned into it.
			if prev == cleanKey || k != cleanKey {
				w.record(childPath, ViolationKeyCollision, SeverityMedium, true)
				continue
			}
			w.record(joinPath(path, prev), ViolationKeyCollision, SeverityMedium, true)
		}
		from[cleanKey] = k
		out[cleanKey] = w.value(obj[k], joinPath(path, cleanKey), cleanKey, depth+1)
	}
	return out
}

func joinPath(parent, child string) string {
	if parent == "" {
		return child
	}
	return parent + "." + child
}

// maxPasses bounds the fixpoint loop in str.
const maxPasses = 4

// str runs the string pipeline until the output is stable.
func (w *walker) str(s, path, field string, key bool) string {
	seen := make(map[string]bool)
	for i := 0; i < maxPasses; i++ {
		next, found := w.pass(s, field, key)
		for _, f := range found {
			if !seen[f.Type] {
				seen[f.Type] = true
				w.record(path, f.Type, f.Severity, key)
			}
		}
		if next == s {
			break
		}
		s = next
	}
	return s
}

type finding struct {
	Type     string
	Severity Severity
}

func (w *walker) pass(s, field string, key bool) (string, []finding) {
	var found []finding

	if utf8.RuneCountInString(s) > w.cfg.MaxStringLength {
		s = string([]rune(s)[:w.cfg.MaxStringLength])
		found = append(found, finding{ViolationStringLength, SeverityLow})
	}

	decoded := decode(s)

	if out, hit := replaceAll(decoded, xssSignatures, MarkerXSS); hit {
		return out, append(found, finding{ViolationXSS, SeverityCritical})
	}
	if out, hit := replaceAll(decoded, sqlSignatures, MarkerSQLInjection); hit {
		return out, append(found, finding{ViolationSQLInjection, SeverityHigh})
	}
	if htmlTagRe.MatchString(decoded) {
		return htmlTagRe.ReplaceAllString(decoded, ""), append(found, finding{ViolationHTML, SeverityMedium})
	}
	if !key && looksLikeURL(field, decoded) {
		if m := urlSchemeRe.FindStringSubmatch(decoded); m != nil && dangerousSchemes[strings.ToLower(m[1])] {
			return MarkerDangerousURL, append(found, finding{ViolationDangerousURL, SeverityHigh})
		}
	}
	return s, found
}

func replaceAll(s string, sigs []*regexp.Regexp, marker string) (string, bool) {
	hit := false
	for _, re := range sigs {
		if re.MatchString(s) {
			hit = true
			s = re.ReplaceAllString(s, marker)
		}
	}
	return s, hit
}

func looksLikeURL(field, value string) bool {
	if field != "" && urlishFieldRe.MatchString(field) {
		return true
	}
	return urlSchemeRe.MatchString(value) && !strings.ContainsAny(strings.TrimSpace(value), " \t\n")
}

// QuickValidate reports whether payload is free of high-confidence attack
// signatures. It does not decode deeply, sanitize or modify the payload.
func (v *Validator) QuickValidate(payload any) bool {
	return quickClean(payload, 0, v.Config().MaxObjectDepth)
}

func quickClean(v any, depth, maxDepth int) bool {
	if depth > maxDepth {
		return false
	}
	switch val := v.(type) {
	case string:
		return quickString(val)
	case map[string]any:
		for k, child := range val {
			if pollutionKeys[k] || !quickString(k) || !quickClean(child, depth+1, maxDepth) {
				return false
			}
		}
	case []any:
		for _, child := range val {
			if !quickClean(child, depth+1, maxDepth) {
				return false
			}
		}
	}
	return true
}

func quickString(s string) bool {
	for _, re := range quickSignatures {
		if re.MatchString(s) {
			return false
		}
	}
	return true
}

// String formats a violation for logs.
func (v Violation) String() string {
	where := v.Path
	if where == "" {
		where = "<root>"
	}
	return fmt.Sprintf("%s at %s (%s)", v.Type, where, v.Severity)
}
