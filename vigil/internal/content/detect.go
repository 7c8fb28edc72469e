package content

import "strings"

// errorPhrases are substrings that mark a page as a failure page regardless
// of body length.
var errorPhrases = []string{
	"404 not found",
	"403 forbidden",
	"500 internal server error",
	"502 bad gateway",
	"503 service unavailable",
	"504 gateway timeout",
	"too many requests",
	"rate limit exceeded",
	"access denied",
	"temporarily unavailable",
	"this site can't be reached",
	"err_connection",
	"err_name_not_resolved",
}

// denialKeywords mark a very short body as an error page. A full page that
// merely mentions "error" somewhere is not a failure; a near-empty one is.
var denialKeywords = []string{
	"error", "denied", "blocked", "forbidden", "unavailable", "captcha",
}

// shortBodyLimit is the visible-text length under which denial keywords
// alone classify the page as an error page.
const shortBodyLimit = 200

// IsErrorPage reports whether page text resembles a failure page: an
// explicit error phrase anywhere, or a very short body containing a denial
// keyword.
func IsErrorPage(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))

	for _, phrase := range errorPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}

	if len(lower) < shortBodyLimit {
		for _, kw := range denialKeywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	return false
}
