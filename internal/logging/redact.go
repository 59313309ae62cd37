package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

const redactedValue = "[REDACTED]"

// Job bodies and handler output are user data and never reach the log.
var sensitiveKeys = map[string]bool{
	"authorization": true,
	"body":          true,
	"headers":       true,
	"payload":       true,
	"progress":      true,
	"result":        true,
	"stderr":        true,
	"stdout":        true,
}

var sensitiveFragments = []string{"secret", "token", "password", "apikey", "api_key"}

// redact is installed as the handler's ReplaceAttr, so it sees attrs added
// with Logger.With and members of groups alike.
func redact(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		return a
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, redactedValue)
	}
	if strings.EqualFold(a.Key, "dsn") && a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, maskDSN(a.Value.String()))
	}
	return a
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(key)
	if sensitiveKeys[lower] {
		return true
	}
	for _, fragment := range sensitiveFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// maskDSN hides the password of URL-shaped store DSNs.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); !ok {
		return dsn
	}
	u.User = url.UserPassword(u.User.Username(), "xxxxx")
	return u.String()
}
