package sanitize

import "regexp"

// Injection shapes checked by ContainsInjectionPattern. This is a blocklist
// heuristic: it flags common SQL and script payloads and will both miss
// encoded variants and match some ordinary prose ("drop me a line").
var injectionPatterns = []*regexp.Regexp{
	// SQL statements
	regexp.MustCompile(`(?i)\b(SELECT|INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|EXEC|EXECUTE|UNION|TRUNCATE)\b`),
	// tautologies such as OR 1=1 or AND 'a'='a'
	regexp.MustCompile(`(?i)\b(OR|AND)\b\s+['"]?\w+['"]?\s*=\s*['"]?\w+`),
	// SQL comments
	regexp.MustCompile(`(--|/\*|\*/)`),
	// script shapes
	regexp.MustCompile(`(?i)<\s*script`),
	regexp.MustCompile(`(?i)<\s*iframe`),
	regexp.MustCompile(`(?i)(javascript|vbscript)\s*:`),
	regexp.MustCompile(`(?i)\bon\w+\s*=`),
}

// ContainsInjectionPattern reports whether value looks like an SQL or script
// injection payload. It is a rejection check for structured parameters, not
// a substitute for escaping on render.
func ContainsInjectionPattern(value string) bool {
	if value == "" {
		return false
	}
	for _, re := range injectionPatterns {
		if re.MatchString(value) {
			return true
		}
	}
	return false
}
