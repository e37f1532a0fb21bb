package redact

import "regexp"

var (
	// key=value pairs where key suggests a secret.
	credKVRe = regexp.MustCompile(`(?i)\b(password|passwd|secret|token|api_key|apikey|auth)([ \t]*[=:][ \t]*)(\S+)`)

	// HTTP bearer credentials.
	bearerRe = regexp.MustCompile(`(?i)\b(bearer)([ \t]+)([A-Za-z0-9\-._~+/]+=*)`)

	// AWS access key ids.
	awsKeyRe = regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)

	// user:password@ in URLs.
	urlUserinfoRe = regexp.MustCompile(`(://[^/\s:@]+:)([^/\s@]+)(@)`)
)

// ScrubText masks credentials embedded in free text, keeping the key so the
// record still says what was there.
func ScrubText(text string) string {
	if text == "" {
		return text
	}
	out := credKVRe.ReplaceAllString(text, "${1}${2}"+Mask)
	out = bearerRe.ReplaceAllString(out, "${1}${2}"+Mask)
	out = awsKeyRe.ReplaceAllString(out, Mask)
	out = urlUserinfoRe.ReplaceAllString(out, "${1}"+Mask+"${3}")
	return out
}

// ContainsSecret reports whether ScrubText would change text.
func ContainsSecret(text string) bool {
	return ScrubText(text) != text
}
