// Package registry implements a minimal content-addressed client for the
// OCI-style registry that serves container app manifests and blobs.
package registry

import (
	"fmt"
	"strings"
)

const digestType = "sha256:"

// Digest is a validated sha256 content digest.
type Digest struct {
	hash string
}

// ParseDigest accepts "sha256:<64 hex chars>". Hex characters are
// normalized to lowercase.
func ParseDigest(raw string) (Digest, error) {
	lowered := strings.ToLower(raw)
	if !strings.HasPrefix(lowered, digestType) {
		return Digest{}, fmt.Errorf("unsupported hash type: %s", raw)
	}
	hash := lowered[len(digestType):]
	if len(hash) != 64 {
		return Digest{}, fmt.Errorf("invalid hash size: %s", raw)
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return Digest{}, fmt.Errorf("invalid hash character in %s", raw)
		}
	}
	return Digest{hash: hash}, nil
}

// Hash returns the 64-char hex hash without the type prefix.
func (d Digest) Hash() string { return d.hash }

// Short returns the abbreviated hash used in logs.
func (d Digest) Short() string { return d.hash[:7] }

func (d Digest) String() string { return digestType + d.hash }

// URI is the parsed form of <host>/<factory>/<app>@sha256:<hash>.
type URI struct {
	Host    string
	Factory string
	App     string
	Repo    string // <factory>/<app>
	Digest  Digest
}

// ParseURI tokenizes on the final '@', then walks '/' right to left to
// isolate the app, factory and registry host.
func ParseURI(raw string) (URI, error) {
	at := strings.LastIndex(raw, "@")
	if at < 0 {
		return URI{}, fmt.Errorf("invalid app URI: '@' not found in %s", raw)
	}

	digest, err := ParseDigest(raw[at+1:])
	if err != nil {
		return URI{}, fmt.Errorf("invalid app URI %s: %w", raw, err)
	}

	name := raw[:at]
	appSep := strings.LastIndex(name, "/")
	if appSep < 0 {
		return URI{}, fmt.Errorf("invalid app URI: the app name not found in %s", raw)
	}
	app := name[appSep+1:]

	factorySep := strings.LastIndex(name[:appSep], "/")
	if factorySep < 0 {
		return URI{}, fmt.Errorf("invalid app URI: the factory name not found in %s", raw)
	}
	factory := name[factorySep+1 : appSep]
	host := name[:factorySep]
	if host == "" || factory == "" || app == "" {
		return URI{}, fmt.Errorf("invalid app URI: empty component in %s", raw)
	}

	return URI{
		Host:    host,
		Factory: factory,
		App:     app,
		Repo:    factory + "/" + app,
		Digest:  digest,
	}, nil
}

// WithDigest returns a copy of the URI pointing at another object in the
// same repository, e.g. a blob referenced by a manifest.
func (u URI) WithDigest(d Digest) URI {
	u.Digest = d
	return u
}

func (u URI) String() string {
	return u.Host + "/" + u.Repo + "@" + u.Digest.String()
}
