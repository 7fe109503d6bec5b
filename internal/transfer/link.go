package transfer

import (
	"net/url"
	"path"
	"strings"
)

// LinkKind tells whether the input is a magnet reference or a plain URL.
type LinkKind int

const (
	LinkMagnet LinkKind = iota + 1
	LinkURL
)

func (k LinkKind) String() string {
	switch k {
	case LinkMagnet:
		return "magnet"
	case LinkURL:
		return "url"
	default:
		return "unknown"
	}
}

// Link is a validated download reference.
type Link struct {
	Kind LinkKind
	raw  string
	url  *url.URL
}

// ParseLink classifies raw input as a magnet reference or a URL. Magnet wins whenever the
// input carries the magnet scheme; anything else must parse with both a scheme and a host.
func ParseLink(raw string) (Link, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Link{}, &InvalidLinkError{Input: raw, Reason: "empty link"}
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return Link{}, &InvalidLinkError{Input: trimmed, Reason: "not a magnet link or URL", Err: err}
	}

	if strings.EqualFold(u.Scheme, "magnet") {
		return Link{Kind: LinkMagnet, raw: trimmed, url: u}, nil
	}

	if u.Scheme == "" || u.Host == "" {
		return Link{}, &InvalidLinkError{Input: trimmed, Reason: "not a magnet link or URL"}
	}

	return Link{Kind: LinkURL, raw: trimmed, url: u}, nil
}

func (l Link) String() string {
	return l.raw
}

// IsMagnet reports whether the link is a magnet reference.
func (l Link) IsMagnet() bool {
	return l.Kind == LinkMagnet
}

// LooksLikeTorrent is advisory: it reports whether a URL names a .torrent resource.
func (l Link) LooksLikeTorrent() bool {
	if l.Kind != LinkURL || l.url == nil {
		return false
	}

	return strings.Contains(strings.ToLower(path.Base(l.url.Path)), "torrent")
}

// Filename returns the last path element of a URL link, or "" for magnets.
func (l Link) Filename() string {
	if l.Kind != LinkURL || l.url == nil {
		return ""
	}

	name := path.Base(l.url.Path)
	if name == "." || name == "/" {
		return ""
	}

	return name
}

// DisplayName returns the dn= parameter of a magnet link, when present.
func (l Link) DisplayName() string {
	if l.Kind != LinkMagnet || l.url == nil {
		return ""
	}

	return l.url.Query().Get("dn")
}

// Redacted returns a form safe for logs: magnets keep only their info hash and URLs lose
// credentials and query strings.
func (l Link) Redacted() string {
	if l.url == nil {
		return ""
	}

	if l.Kind == LinkMagnet {
		if xt := l.url.Query().Get("xt"); xt != "" {
			return "magnet:?xt=" + xt
		}

		return "magnet:?"
	}

	u := *l.url
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""

	return u.String()
}
