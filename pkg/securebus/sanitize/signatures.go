package sanitize

import "regexp"

// Replacement markers. None of them matches any signature below, which keeps
// sanitization idempotent.
const (
	MarkerXSS          = "[XSS_REMOVED]"
	MarkerSQLInjection = "[SQL_INJECTION_REMOVED]"
	MarkerDangerousURL = "[DANGEROUS_URL_REMOVED]"
)

var xssSignatures = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`),
	regexp.MustCompile(`(?i)</?script\b[^>]*>?`),
	regexp.MustCompile(`(?is)<svg\b[^>]*>.*?(</svg\s*>|$)`),
	regexp.MustCompile(`(?i)<[a-z][^>]*\bon[a-z]+\s*=[^>]*>?`),
	regexp.MustCompile(`(?i)\bon(error|load|click|dblclick|mouse[a-z]*|key[a-z]*|focus|blur|submit|change|input|abort|unload|resize|scroll|toggle|animation[a-z]*|pointer[a-z]*)\s*=`),
	regexp.MustCompile(`(?i)\b(javascript|vbscript|livescript)\s*:`),
	regexp.MustCompile(`(?i)\bdata\s*:\s*text/html`),
	regexp.MustCompile(`(?i)[:=]\s*expression\s*\(`),
	regexp.MustCompile(`(?i)<meta\b[^>]*http-equiv\s*=\s*["']?refresh[^>]*>?`),
	regexp.MustCompile(`(?i)</?(iframe|frame|frameset|object|embed|applet|base)\b[^>]*>?`),
	regexp.MustCompile(`(?s)\{\{.*?\}\}`),
	regexp.MustCompile(`(?s)\$\{.*?\}`),
}

var sqlSignatures = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`),
	regexp.MustCompile(`(?i)\bselect\s+(\*|[\w.]+(\s*,\s*[\w.]+)*)\s+from\s+\w+`),
	regexp.MustCompile(`(?i)\binsert\s+into\s+\w+`),
	regexp.MustCompile(`(?i)\bupdate\s+\w+\s+set\s+\w+\s*=`),
	regexp.MustCompile(`(?i)\bdelete\s+from\s+\w+`),
	regexp.MustCompile(`(?i)\b(drop|truncate|alter|create)\s+(table|database|schema|index|view)\b`),
	regexp.MustCompile(`(?i)\bexec(ute)?\s*(\(|\s+(xp_|sp_)\w*)`),
	regexp.MustCompile(`(?i)['"]\s*(or|and)\s+['"]?\w+['"]?\s*=\s*['"]?\w+`),
	regexp.MustCompile(`(?i);\s*(drop|delete|insert|update|select|shutdown)\b`),
	// Inline comments only count next to SQL, so globs like "src/**/*.go" pass.
	regexp.MustCompile(`(?is)\b(select|union|insert|update|delete|drop|from|where|and|or|exec)\s*/\*.*?\*/|/\*.*?\*/\s*(select|union|insert|update|delete|drop|from|where|and|or|exec)\b|/\*!`),
	regexp.MustCompile(`'\s*--`),
	// NoSQL operators
	regexp.MustCompile(`\$(where|ne|gt|gte|lt|lte|regex|in|nin|or|and|not|exists|expr|function)\b`),
	// LDAP filter injection
	regexp.MustCompile(`\(\s*[|&!]\s*\(`),
	regexp.MustCompile(`\*\)\s*\(`),
}

var (
	htmlTagRe     = regexp.MustCompile(`(?s)<!--.*?-->|</?[a-zA-Z][^>]*>`)
	urlSchemeRe   = regexp.MustCompile(`^\s*([a-zA-Z][a-zA-Z0-9+.-]*)\s*:`)
	urlishFieldRe = regexp.MustCompile(`(?i)(url|uri|href|src|link|website|redirect|callback|image|avatar)$`)
)

// dangerousSchemes are blocked in URL-looking fields.
var dangerousSchemes = map[string]bool{
	"javascript": true,
	"vbscript":   true,
	"data":       true,
	"file":       true,
	"ftp":        true,
}

// pollutionKeys are object keys that are always dropped.
var pollutionKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// quickSignatures is the high-confidence subset used by QuickValidate.
var quickSignatures = []*regexp.Regexp{
	xssSignatures[1],
	xssSignatures[3],
	xssSignatures[5],
	sqlSignatures[0],
	sqlSignatures[5],
}
