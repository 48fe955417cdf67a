// redact.go - masking for credentials that end up near log statements.
package logging

// RedactToken masks a bearer, offline or API token for logging.
// Shows the first 8 characters followed by "..." to allow correlation
// without exposing the full credential.
//
//	"sk_live_abc123xyz" → "sk_live_..."
//	""                  → "[empty]"
func RedactToken(t string) string {
	if len(t) == 0 {
		return "[empty]"
	}
	if len(t) <= 8 {
		return t[:1] + "..."
	}
	return t[:8] + "..."
}
