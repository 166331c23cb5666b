package oauth

import (
	"net/url"
	"strings"
)

// ResourceURL normalizes a server URL into an RFC 8707 resource indicator
// by dropping the fragment.
func ResourceURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

// ResourceAllowed reports whether requested names the configured resource or
// a path beneath it on the same origin.
func ResourceAllowed(requested, configured string) bool {
	req, err := url.Parse(requested)
	if err != nil {
		return false
	}
	conf, err := url.Parse(configured)
	if err != nil {
		return false
	}
	if !strings.EqualFold(req.Scheme, conf.Scheme) || !strings.EqualFold(req.Host, conf.Host) {
		return false
	}

	reqPath := ensureTrailingSlash(req.Path)
	confPath := ensureTrailingSlash(conf.Path)
	return strings.HasPrefix(reqPath, confPath)
}

// ProtectedResourceMetadataURL returns the RFC 9728 metadata URL for a resource.
func ProtectedResourceMetadataURL(resource string) string {
	u, err := url.Parse(resource)
	if err != nil {
		return resource
	}
	path := u.Path
	if path == "/" {
		path = ""
	}
	u.Path = "/.well-known/oauth-protected-resource" + path
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func ensureTrailingSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}
