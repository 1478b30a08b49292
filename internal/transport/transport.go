// Package transport builds the HTTP clients used to talk to the device
// gateway, the delta-stats origins and the container registry.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"
)

// KeyMaterial points at the mutual-TLS material provisioned on the device.
type KeyMaterial struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

func (k *KeyMaterial) empty() bool {
	return k == nil || (k.CAFile == "" && k.CertFile == "" && k.KeyFile == "")
}

// NewClient returns an HTTP client that attaches the given headers to every
// request and presents the device's client certificate when key material is
// configured.
func NewClient(timeout time.Duration, keys *KeyMaterial, headers map[string]string) (*http.Client, error) {
	transport := &http.Transport{
		TLSHandshakeTimeout: time.Second * 15,
	}

	if !keys.empty() {
		cert, err := tls.LoadX509KeyPair(keys.CertFile, keys.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		if keys.CAFile != "" {
			pem, err := os.ReadFile(keys.CAFile)
			if err != nil {
				return nil, fmt.Errorf("reading CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates found in %q", keys.CAFile)
			}
			cfg.RootCAs = pool
		}
		transport.TLSClientConfig = cfg
	}

	client := &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
	// a non-nil map is wrapped even when empty: callers mutate it later,
	// e.g. to tag requests with the installed target
	if headers != nil {
		client.Transport = &headerRoundTripper{next: client.Transport, headers: headers}
	}
	return client, nil
}

// headerRoundTripper injects static headers without clobbering ones the
// caller set explicitly on the request.
type headerRoundTripper struct {
	next    http.RoundTripper
	headers map[string]string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range h.headers {
		if clone.Header.Get(k) == "" {
			clone.Header.Set(k, v)
		}
	}
	return h.next.RoundTrip(clone)
}
