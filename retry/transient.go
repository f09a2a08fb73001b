package retry

import "strings"

// transientPatterns are error substrings that indicate transient transport
// failures which may succeed on retry. Covers network flakiness and the
// rate-limit shapes the model provider SDKs surface as plain errors.
var transientPatterns = []string{
	"connection refused",
	"connection reset by peer",
	"network is unreachable",
	"temporary failure in name resolution",
	"no such host",
	"i/o timeout",
	"tls handshake timeout",
	"context deadline exceeded",
	"unexpected eof",
	"429",
	"rate limit",
	"overloaded",
	"502 bad gateway",
	"503 service unavailable",
	"504 gateway timeout",
}

// IsTransient checks if the error message contains any transient pattern.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
