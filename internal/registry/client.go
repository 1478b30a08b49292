package registry

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/treeline-dev/treeline/internal/transport"
)

const (
	// manifestMaxSize caps what we are willing to buffer for a single
	// manifest document.
	manifestMaxSize = 16 * 1024 * 1024
	authMaxSize     = 64 * 1024

	// defaultCredsEndpoint is used when the registry auth endpoint cannot
	// be deduced from the configured treehub URL.
	defaultCredsEndpoint = "https://api.treeline.dev/hub-creds/"
)

// ClientFactory builds the short-lived HTTP clients used for registry
// requests, each carrying its own header set. Swapped out in tests.
type ClientFactory func(headers map[string]string) *http.Client

func DefaultClientFactory(timeout time.Duration) ClientFactory {
	return func(headers map[string]string) *http.Client {
		client, err := transport.NewClient(timeout, nil, headers)
		if err != nil {
			// no key material is loaded on this path
			panic(err)
		}
		return client
	}
}

// Client fetches app manifests and blobs from the registry. Authentication
// is two-leg: basic material from the gateway's hub-creds endpoint, then a
// pull-scoped bearer token from the registry's token service.
type Client struct {
	gateway  *http.Client // device gateway client, mutual TLS
	factory  ClientFactory
	credsURL string
	// scheme is always https; tests point it at plain test servers
	scheme string
}

// NewClient deduces the credential endpoint from the treehub URL: the
// suffix starting at "treehub" is replaced with "hub-creds/". The gateway
// client must already carry the device identity.
func NewClient(treehubURL string, gateway *http.Client, factory ClientFactory) *Client {
	credsURL := ""
	if i := strings.Index(treehubURL, "treehub"); i >= 0 {
		credsURL = treehubURL[:i] + "hub-creds/"
	}
	if credsURL == "" {
		credsURL = defaultCredsEndpoint
	}
	return &Client{gateway: gateway, factory: factory, credsURL: credsURL, scheme: "https"}
}

// GetManifest fetches and verifies the manifest the URI points at.
// The raw bytes are returned alongside the decoded document so callers can
// persist exactly what was hashed.
func (c *Client) GetManifest(ctx context.Context, uri URI, format string) ([]byte, map[string]any, error) {
	url := c.scheme + "://" + uri.Host + "/v2/" + uri.Repo + "/manifests/" + uri.Digest.String()
	logrus.Debugf("downloading app manifest: %s", url)

	bearer, err := c.bearerAuthHeader(ctx, uri)
	if err != nil {
		return nil, nil, err
	}

	client := c.factory(map[string]string{"authorization": bearer, "accept": format})
	resp, err := get(ctx, client, url)
	if err != nil {
		return nil, nil, fmt.Errorf("downloading app manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("downloading app manifest: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, manifestMaxSize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("reading app manifest: %w", err)
	}
	if len(body) > manifestMaxSize {
		return nil, nil, fmt.Errorf("size of received app manifest exceeds the maximum allowed: %d > %d",
			len(body), manifestMaxSize)
	}

	received := sha256.Sum256(body)
	if got := hex.EncodeToString(received[:]); got != uri.Digest.Hash() {
		return nil, nil, fmt.Errorf("hash of received app manifest does not match the target: %s != %s",
			got, uri.Digest.Hash())
	}

	manifest := map[string]any{}
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, nil, fmt.Errorf("decoding app manifest: %w", err)
	}
	return body, manifest, nil
}

// DownloadBlob streams the blob to path, hashing while writing. The partial
// file is removed on any failure, including a mid-stream size overrun.
func (c *Client) DownloadBlob(ctx context.Context, uri URI, path string, expectedSize int64) (err error) {
	url := c.scheme + "://" + uri.Host + "/v2/" + uri.Repo + "/blobs/" + uri.Digest.String()
	logrus.Debugf("downloading app blob: %s", url)

	bearer, err := c.bearerAuthHeader(ctx, uri)
	if err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("opening blob file: %w", err)
	}
	defer func() {
		file.Close()
		if err != nil {
			os.Remove(path)
		}
	}()

	client := c.factory(map[string]string{"authorization": bearer})
	resp, err := get(ctx, client, url)
	if err != nil {
		return fmt.Errorf("downloading app blob: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading app blob: status %d", resp.StatusCode)
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(file, hasher), io.LimitReader(resp.Body, expectedSize))
	if err != nil {
		return fmt.Errorf("writing app blob: %w", err)
	}
	// anything left on the wire means the registry sent more than the
	// manifest promised - abort without reading it all
	var extra [1]byte
	if n, _ := resp.Body.Read(extra[:]); n > 0 {
		return fmt.Errorf("received data size exceeds the expected size: > %d", expectedSize)
	}
	if written != expectedSize {
		return fmt.Errorf("size of downloaded app blob does not equal the expected one: %d != %d",
			written, expectedSize)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != uri.Digest.Hash() {
		return fmt.Errorf("hash of downloaded app blob does not equal the expected one: %s != %s",
			got, uri.Digest.Hash())
	}
	return nil
}

// basicAuthHeader fetches the registry's basic auth material from the
// gateway.
func (c *Client) basicAuthHeader(ctx context.Context) (string, error) {
	logrus.Debugf("getting registry credentials from %s", c.credsURL)

	resp, err := get(ctx, c.gateway, c.credsURL)
	if err != nil {
		return "", fmt.Errorf("getting registry credentials from %s: %w", c.credsURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("getting registry credentials from %s: status %d", c.credsURL, resp.StatusCode)
	}

	creds := struct {
		Username string
		Secret   string
	}{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, authMaxSize)).Decode(&creds); err != nil {
		return "", fmt.Errorf("decoding registry credentials: %w", err)
	}
	if creds.Username == "" || creds.Secret == "" {
		return "", fmt.Errorf("got invalid registry credentials from %s", c.credsURL)
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(creds.Username + ":" + creds.Secret))
	return "basic " + encoded, nil
}

// bearerAuthHeader trades the basic material for a pull-scoped bearer token
// at the registry's token service.
func (c *Client) bearerAuthHeader(ctx context.Context, uri URI) (string, error) {
	basic, err := c.basicAuthHeader(ctx)
	if err != nil {
		return "", err
	}

	url := c.scheme + "://" + uri.Host + "/token-auth/?service=registry&scope=repository:" + uri.Repo + ":pull"
	logrus.Debugf("getting registry token from %s", url)

	client := c.factory(map[string]string{"authorization": basic})
	resp, err := get(ctx, client, url)
	if err != nil {
		return "", fmt.Errorf("getting auth token at registry: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("getting auth token at registry: status %d", resp.StatusCode)
	}

	token := struct{ Token string }{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, authMaxSize)).Decode(&token); err != nil {
		return "", fmt.Errorf("decoding registry token: %w", err)
	}
	if token.Token == "" {
		return "", fmt.Errorf("got invalid token from registry %s", uri.Host)
	}
	return "bearer " + token.Token, nil
}

func get(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}
