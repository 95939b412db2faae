package relay

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var validShortCode = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ParseShortCode extracts the short code from an Instagram content URL.
// Supported forms:
//
//	https://www.instagram.com/p/<code>/
//	https://www.instagram.com/reel/<code>/
//	https://www.instagram.com/reels/<code>/
//	https://www.instagram.com/tv/<code>/
//	https://www.instagram.com/stories/<user>/<id>/
//
// URLs with no derivable short code are rejected before reaching the pipeline.
func ParseShortCode(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse source url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host != "instagram.com" && !strings.HasSuffix(host, ".instagram.com") {
		return "", fmt.Errorf("unsupported host %q", host)
	}

	segments := splitPath(u.Path)
	if len(segments) < 2 {
		return "", fmt.Errorf("no short code in %q", u.Path)
	}

	var code string
	switch segments[0] {
	case "p", "reel", "reels", "tv":
		code = segments[1]
	case "stories":
		if len(segments) < 3 {
			return "", fmt.Errorf("story url missing id in %q", u.Path)
		}
		code = segments[2]
	default:
		return "", fmt.Errorf("unsupported content path %q", u.Path)
	}

	if !validShortCode.MatchString(code) {
		return "", fmt.Errorf("invalid short code %q", code)
	}
	return code, nil
}

func splitPath(p string) []string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}
