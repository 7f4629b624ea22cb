package purgectl

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

type TargetKind int

const (
	KindURL TargetKind = iota + 1
	KindPattern
)

func (k TargetKind) String() string {
	switch k {
	case KindURL:
		return "url"
	case KindPattern:
		return "pattern"
	}
	return "unknown"
}

// Target identifies what to invalidate: either one absolute URL or a regular
// expression over request paths. The zero value is not a valid target.
type Target struct {
	kind TargetKind
	raw  string
	key  string

	host string
	uri  string // path and query, URL targets only
}

func (t Target) Kind() TargetKind { return t.kind }

// Raw is the target as the caller wrote it.
func (t Target) Raw() string { return t.raw }

// Key is the canonical form used to coalesce concurrent purges.
func (t Target) Key() string { return t.key }

// Host is the virtual host of a URL target; empty for patterns.
func (t Target) Host() string { return t.host }

// RequestURI is the path plus query of a URL target, or the pattern itself.
func (t Target) RequestURI() string {
	if t.kind == KindPattern {
		return t.raw
	}
	return t.uri
}

func (t Target) String() string { return t.key }

func ParseTarget(s string) (Target, error) {
	if s == "" {
		return Target{}, malformed(s, "empty target")
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return Target{}, malformed(s, "whitespace or control character")
		}
	}

	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, "^") {
		if _, err := regexp.Compile(s); err != nil {
			return Target{}, malformed(s, err.Error())
		}
		return Target{kind: KindPattern, raw: s, key: "pattern:" + s}, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return Target{}, malformed(s, "unparsable url")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Target{}, malformed(s, "scheme must be http or https")
	}
	if u.Host == "" {
		return Target{}, malformed(s, "missing host")
	}
	if u.User != nil {
		return Target{}, malformed(s, "credentials in url")
	}

	host := strings.ToLower(u.Host)
	uri := u.EscapedPath()
	if uri == "" {
		uri = "/"
	}
	if u.RawQuery != "" {
		uri += "?" + u.RawQuery
	}
	return Target{
		kind: KindURL,
		raw:  s,
		key:  scheme + "://" + host + uri,
		host: host,
		uri:  uri,
	}, nil
}
