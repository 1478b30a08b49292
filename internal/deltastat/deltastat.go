// Package deltastat locates and interprets the "delta statistics" sidecar
// that describes the binary deltas between two rootfs commits. The stats
// let the agent check whether a delta fits on disk before pulling it.
package deltastat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
)

// maxStatsSize caps the sidecar download regardless of what the metadata
// claims.
const maxStatsSize = 1024 * 1024

// Ref points at a delta-stats object published next to a target.
type Ref struct {
	Sha256 string
	Size   uint64
}

// Stat describes one delta between a (from, to) commit pair.
type Stat struct {
	CompressedSize   uint64
	UncompressedSize uint64
}

// FindRef extracts the sidecar reference from a target's custom metadata.
// Missing or mistyped fields mean "no delta stats", not an error.
func FindRef(custom map[string]any) (Ref, bool) {
	raw, ok := custom["delta-stats"].(map[string]any)
	if !ok {
		return Ref{}, false
	}
	hash, ok := raw["sha256"].(string)
	if !ok {
		logrus.Error("incorrect delta stats metadata in target: missing `sha256` field or it's not a string")
		return Ref{}, false
	}
	size, ok := uintField(raw, "size")
	if !ok {
		logrus.Error("incorrect delta stats metadata in target: missing `size` field or it's not an integer")
		return Ref{}, false
	}
	return Ref{Sha256: hash, Size: size}, true
}

// Download fetches the sidecar from <baseURL>/delta-stats/<sha256> and
// verifies both its size and hash. Every failure path returns nil: delta
// stats are an optimization, the caller falls back to an unchecked fetch.
func Download(ctx context.Context, client *http.Client, baseURL string, headers map[string]string, ref Ref) map[string]any {
	if ref.Size > maxStatsSize {
		logrus.Errorf("requested delta stats file is bigger than the maximum allowed; requested size: %d, maximum allowed: %d",
			ref.Size, maxStatsSize)
		return nil
	}

	url := baseURL + "/delta-stats/" + ref.Sha256
	logrus.Infof("fetching delta stats -> %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		logrus.Errorf("building delta stats request: %s", err)
		return nil
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		logrus.Errorf("failed to fetch delta stats: %s", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logrus.Errorf("failed to fetch delta stats; status: %d", resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(ref.Size)+1))
	if err != nil {
		logrus.Errorf("reading delta stats: %s", err)
		return nil
	}
	if uint64(len(body)) != ref.Size {
		logrus.Errorf("fetched invalid delta stats, size mismatch; expected: %d, got: %d", ref.Size, len(body))
		return nil
	}
	received := sha256.Sum256(body)
	if got := hex.EncodeToString(received[:]); got != ref.Sha256 {
		logrus.Errorf("fetched invalid delta stats, hash mismatch; expected: %s, got: %s", ref.Sha256, got)
		return nil
	}

	doc := map[string]any{}
	if err := json.Unmarshal(body, &doc); err != nil {
		logrus.Errorf("decoding delta stats: %s", err)
		return nil
	}
	return doc
}

// FindStat looks up the delta for a (from, to) commit pair. The document is
// shaped { <toHash>: { <fromHash>: { size, u_size } } }; key order is not
// meaningful.
func FindStat(doc map[string]any, fromHash, toHash string) (Stat, bool) {
	toEntry, ok := doc[toHash].(map[string]any)
	if !ok {
		logrus.Errorf("invalid delta stats received; no `to` hash is found: %s", toHash)
		return Stat{}, false
	}
	entry, ok := toEntry[fromHash].(map[string]any)
	if !ok {
		return Stat{}, false
	}
	size, ok := uintField(entry, "size")
	if !ok {
		logrus.Error("invalid delta stat found; `size` field is missing or is not an unsigned integer")
		return Stat{}, false
	}
	uSize, ok := uintField(entry, "u_size")
	if !ok {
		logrus.Error("invalid delta stat found; `u_size` field is missing or is not an unsigned integer")
		return Stat{}, false
	}
	return Stat{CompressedSize: size, UncompressedSize: uSize}, true
}

// uintField reads a non-negative integer out of decoded JSON, where numbers
// arrive as float64, and out of decoded TOML, where they arrive as int64.
func uintField(m map[string]any, key string) (uint64, bool) {
	switch v := m[key].(type) {
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return 0, false
		}
		return uint64(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case uint64:
		return v, true
	}
	return 0, false
}
