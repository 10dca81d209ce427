// Package redact scrubs credentials out of free text before it reaches the
// audit log.
package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// Placeholder replaces every redacted span.
const Placeholder = "[REDACTED]"

var builtinPatterns = []*regexp.Regexp{
	// AWS
	regexp.MustCompile(`(?i)(aws_access_key_id|aws_secret_access_key|aws_session_token)\s*[=:]\s*['"]?[A-Za-z0-9/+=]{20,}['"]?`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),

	// GitHub
	regexp.MustCompile(`(?i)(github_token|gh_token|github_pat)\s*[=:]\s*['"]?[A-Za-z0-9_-]{30,}['"]?`),
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36}`),

	// Model provider keys
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{32,}`),

	// Generic API keys
	regexp.MustCompile(`(?i)(api_key|apikey|api-key|secret_key|secretkey|secret-key|access_token|auth_token)\s*[=:]\s*['"]?[A-Za-z0-9_-]{16,}['"]?`),

	regexp.MustCompile(`-----BEGIN (RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_.-]{20,}`),

	// Basic auth in URLs
	regexp.MustCompile(`https?://[^:/\s]+:[^@\s]+@`),

	regexp.MustCompile(`xox[baprs]-[0-9]{10,13}-[0-9]{10,13}[a-zA-Z0-9-]*`),
	regexp.MustCompile(`[sr]k_live_[0-9a-zA-Z]{24}`),

	regexp.MustCompile(`(?i)(password|passwd|pwd|secret|passphrase)\s*[=:]\s*['"]?[^\s'"]{8,}['"]?`),
}

// Redactor applies the built-in patterns plus any operator-supplied ones.
type Redactor struct {
	patterns []*regexp.Regexp
}

// New compiles extra patterns on top of the built-in set.
func New(extra []string) (*Redactor, error) {
	patterns := append([]*regexp.Regexp(nil), builtinPatterns...)
	for _, p := range extra {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redact pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	return &Redactor{patterns: patterns}, nil
}

var defaultRedactor = &Redactor{patterns: builtinPatterns}

// Default returns a Redactor with only the built-in patterns.
func Default() *Redactor { return defaultRedactor }

// Redact replaces every sensitive span in input with Placeholder.
func (r *Redactor) Redact(input string) string {
	result := input
	for _, pattern := range r.patterns {
		result = pattern.ReplaceAllString(result, Placeholder)
	}
	return result
}

// Redact scrubs input with the built-in patterns.
func Redact(input string) string {
	return defaultRedactor.Redact(input)
}
