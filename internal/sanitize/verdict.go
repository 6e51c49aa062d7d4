package sanitize

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"unicode/utf8"
)

// Verdict is the outcome of a validation check. It is valid exactly when it
// holds no errors; the zero value is valid.
type Verdict struct {
	Errors []string
}

// Valid reports whether no check failed.
func (v Verdict) Valid() bool {
	return len(v.Errors) == 0
}

// Add records a failed check.
func (v *Verdict) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Merge appends the errors of other.
func (v *Verdict) Merge(other Verdict) {
	v.Errors = append(v.Errors, other.Errors...)
}

func (v Verdict) MarshalJSON() ([]byte, error) {
	errs := v.Errors
	if errs == nil {
		errs = []string{}
	}
	return json.Marshal(struct {
		Valid  bool     `json:"isValid"`
		Errors []string `json:"errors"`
	}{v.Valid(), errs})
}

// TextRules configures ValidateText.
type TextRules struct {
	Field           string // used in messages, defaults to "value"
	Required        bool
	MinLength       int // in characters; 0 disables
	MaxLength       int // in characters; 0 disables
	Pattern         *regexp.Regexp
	PatternMessage  string
	RejectInjection bool
}

// ValidateText checks value against rules. Length rules count characters,
// not bytes. An empty optional value passes every other rule.
func ValidateText(value string, rules TextRules) Verdict {
	var v Verdict
	field := rules.Field
	if field == "" {
		field = "value"
	}

	if value == "" {
		if rules.Required {
			v.Add("%s is required", field)
		}
		return v
	}

	n := utf8.RuneCountInString(value)
	if rules.MinLength > 0 && n < rules.MinLength {
		v.Add("%s must be at least %d characters", field, rules.MinLength)
	}
	if rules.MaxLength > 0 && n > rules.MaxLength {
		v.Add("%s must be at most %d characters", field, rules.MaxLength)
	}
	if rules.Pattern != nil && !rules.Pattern.MatchString(value) {
		if rules.PatternMessage != "" {
			v.Add("%s", rules.PatternMessage)
		} else {
			v.Add("%s has an invalid format", field)
		}
	}
	if rules.RejectInjection && ContainsInjectionPattern(value) {
		v.Add("%s contains disallowed content", field)
	}
	return v
}

// ValidateURL accepts absolute http and https URLs with a host and no
// embedded credentials.
func ValidateURL(raw string) Verdict {
	var v Verdict
	if raw == "" {
		v.Add("url is required")
		return v
	}
	u, err := url.Parse(raw)
	if err != nil {
		v.Add("url is malformed")
		return v
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		v.Add("url scheme must be http or https")
	}
	if u.Host == "" {
		v.Add("url must include a host")
	}
	if u.User != nil {
		v.Add("url must not contain credentials")
	}
	return v
}
