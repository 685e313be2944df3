package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// CanonicalURL normalizes a URL for storage and comparison: scheme and host
// are lowercased, a default port is stripped, the fragment is removed,
// percent-encoding is re-normalized, and duplicate slashes in the path are
// collapsed. Two URLs identify the same source iff their canonical forms are
// byte-equal.
func CanonicalURL(raw string) (string, error) {
	var u, err = url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parsing url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	// Strip a default port for the scheme.
	if port := u.Port(); port != "" {
		if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
			u.Host = u.Hostname()
		}
	}

	// Collapse duplicate slashes and drop RawPath so String() re-escapes the
	// path with canonical percent-encoding.
	for strings.Contains(u.Path, "//") {
		u.Path = strings.ReplaceAll(u.Path, "//", "/")
	}
	u.RawPath = ""

	return u.String(), nil
}

// URLHash returns the short stable hash naming a source's record file.
func URLHash(canonical string) string {
	var h = sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(h[:6])
}

// Slug derives a filesystem-safe slug from a canonical URL, used in artifact
// directory names.
func Slug(canonical string) string {
	var u, err = url.Parse(canonical)
	var s string
	if err != nil || u.Host == "" {
		s = canonical
	} else {
		s = u.Host + strings.TrimSuffix(u.Path, "/")
	}
	var b = make([]byte, 0, len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b = append(b, byte(r))
		default:
			if len(b) > 0 && b[len(b)-1] != '-' {
				b = append(b, '-')
			}
		}
	}
	return strings.Trim(string(b), "-")
}
