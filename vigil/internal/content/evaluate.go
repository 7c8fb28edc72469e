package content

import (
	"net/url"
	"strings"
)

// Page is the readable state of a target at one point in time.
type Page struct {
	URL   string
	Title string
	Text  string
	HTML  string
}

// RedirectDiverged reports whether the current location has drifted from
// the configured URL. Origin (scheme+host) and path are compared; query and
// fragment differences are ordinary navigation, not divergence.
func RedirectDiverged(configured, current string) bool {
	cu, err := url.Parse(configured)
	if err != nil {
		return false
	}
	nu, err := url.Parse(current)
	if err != nil {
		return false
	}
	if !strings.EqualFold(cu.Scheme, nu.Scheme) || !strings.EqualFold(cu.Host, nu.Host) {
		return true
	}
	return trimPath(cu.Path) != trimPath(nu.Path)
}

func trimPath(p string) string {
	if p == "" {
		return "/"
	}
	return strings.TrimSuffix(p, "/") + "/"
}
