// Package sanitize redacts recognizable secret shapes from subprocess output
// before it is persisted or delivered externally.
package sanitize

import (
	"log/slog"
	"regexp"
)

const placeholder = "***REDACTED***"

type rule struct {
	pattern *regexp.Regexp
	replace string
}

// The rules favor under-redaction over data loss: a value that survives a
// rule is still caught by the broader key/value rules below it. Replacement
// output is a fixed placeholder, so applying the rules twice is a no-op.
var rules = []rule{
	{
		pattern: regexp.MustCompile(`(JIRA_API_TOKEN|JIRA_EMAIL|GITHUB_TOKEN|SLACK_BOT_TOKEN|SLACK_WEBHOOK_SECRET|GITHUB_WEBHOOK_SECRET|JIRA_WEBHOOK_SECRET|SENTRY_AUTH_TOKEN|AWS_SECRET_ACCESS_KEY)\s*=\s*[^\s]+`),
		replace: "$1=" + placeholder,
	},
	{
		pattern: regexp.MustCompile(`(?i)(password|passwd|pwd|token|secret|api_key|apikey|access_token|refresh_token)\s*[:=]\s*[^\s]+`),
		replace: "$1=" + placeholder,
	},
	{
		pattern: regexp.MustCompile(`(Authorization:\s*Bearer\s+)[^\s]+`),
		replace: "$1" + placeholder,
	},
	{
		pattern: regexp.MustCompile(`(Authorization:\s*Basic\s+)[^\s]+`),
		replace: "$1" + placeholder,
	},
	{
		pattern: regexp.MustCompile(`(?i)(["']?token["']?\s*[:=]\s*["']?)[^"'\s]+(["']?)`),
		replace: "$1" + placeholder + "$2",
	},
	{
		pattern: regexp.MustCompile(`(?i)(["']?password["']?\s*[:=]\s*["']?)[^"'\s]+(["']?)`),
		replace: "$1" + placeholder + "$2",
	},
}

// Sanitize returns content with recognizable secrets replaced by a fixed
// placeholder. It is idempotent and never fails: losing output is worse than
// occasionally under-redacting, so any internal panic degrades to returning
// the input unchanged with a warning log.
func Sanitize(content string) (sanitized string) {
	if content == "" {
		return content
	}

	sanitized = content
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("output sanitizer failed, passing content through unredacted", "panic", r)
			sanitized = content
		}
	}()

	for _, ru := range rules {
		sanitized = ru.pattern.ReplaceAllString(sanitized, ru.replace)
	}
	return sanitized
}

// ContainsSensitive reports whether content still matches any secret shape.
// Used by tests and by callers that want to warn before shipping raw output.
func ContainsSensitive(content string) bool {
	if content == "" {
		return false
	}
	for _, ru := range rules {
		if ru.pattern.MatchString(content) {
			return true
		}
	}
	return false
}
