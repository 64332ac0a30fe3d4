package archive

import "regexp"

var redactions = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`sk-[A-Za-z0-9]{10,}`), "sk-REDACTED"},
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._-]{10,}`), "${1}REDACTED"},
	{regexp.MustCompile(`(?i)(api[_-]?key\s*[:=]\s*)(\S+)`), "${1}REDACTED"},
	{regexp.MustCompile(`(?i)(token\s*[:=]\s*)(\S+)`), "${1}REDACTED"},
}

// Redact strips API keys and bearer tokens from free-form error text.
func Redact(s string) string {
	for _, r := range redactions {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}
