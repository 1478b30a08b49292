// Package target defines the update candidate value type and the helpers
// that read its untrusted custom metadata.
package target

import (
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"
)

// UnknownName marks a device whose booted commit was never matched against
// the metadata server, e.g. a freshly flashed device.
const UnknownName = "unknown"

// Target is a signed update candidate. Value type, cheap to copy.
// Equality is by commit hash.
type Target struct {
	Name   string
	Sha256 string // ostree commit hash, 64 hex chars
	Custom map[string]any
}

func Unknown() Target { return Target{Name: UnknownName} }

func (t Target) IsUnknown() bool { return t.Name == "" || t.Name == UnknownName }

// Same reports whether both targets point at the same commit.
func (t Target) Same(other Target) bool { return t.Sha256 == other.Sha256 }

// Version returns the integer version from the custom metadata. Unparseable
// versions coerce to -1 so the target still participates in selection.
func (t Target) Version() int {
	raw, ok := stringField(t.Custom, "version")
	if !ok {
		return -1
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logrus.Errorf("invalid version number format: %s", raw)
		return -1
	}
	return v
}

// HardwareIDs returns the hardware classes the target applies to,
// in metadata order.
func (t Target) HardwareIDs() []string {
	return stringSliceField(t.Custom, "hardwareIds")
}

func (t Target) Tags() []string {
	return stringSliceField(t.Custom, "tags")
}

// HasAnyTag reports whether the target carries at least one of the given
// tags. An empty tag configuration matches everything.
func (t Target) HasAnyTag(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, want := range tags {
		for _, have := range t.Tags() {
			if want == have {
				return true
			}
		}
	}
	return false
}

func (t Target) HasHardwareID(hwids ...string) bool {
	for _, have := range t.HardwareIDs() {
		for _, want := range hwids {
			if have == want {
				return true
			}
		}
	}
	return false
}

// App is a containerized application referenced by a target.
type App struct {
	Name string
	URI  string
}

// Apps extracts the app set from the custom metadata, sorted by name so
// callers see a deterministic order regardless of JSON object iteration.
func (t Target) Apps() []App {
	raw, ok := t.Custom["docker_compose_apps"].(map[string]any)
	if !ok {
		return nil
	}
	apps := make([]App, 0, len(raw))
	for name, v := range raw {
		entry, ok := v.(map[string]any)
		if !ok {
			logrus.Warnf("malformed app entry in target custom data: %s", name)
			continue
		}
		uri, ok := stringField(entry, "uri")
		if !ok {
			logrus.Warnf("app entry without uri in target custom data: %s", name)
			continue
		}
		apps = append(apps, App{Name: name, URI: uri})
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].Name < apps[j].Name })
	return apps
}

// SortByVersion orders targets ascending by integer version, in place.
func SortByVersion(targets []Target) {
	sort.SliceStable(targets, func(i, j int) bool {
		return targets[i].Version() < targets[j].Version()
	})
}

func stringField(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	s, ok := m[key].(string)
	return s, ok
}

func stringSliceField(m map[string]any, key string) []string {
	if m == nil {
		return nil
	}
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
