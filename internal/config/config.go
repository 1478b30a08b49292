// Package config loads the agent configuration from one or more TOML
// fragments merged in lexical order, conf.d style. Later files win
// key-by-key.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

const (
	DefaultStorageWatermark = 90
	MinStorageWatermark     = 50
	MaxStorageWatermark     = 95
)

type Config struct {
	// [pacman]
	SysrootPath  string // root of the ostree sysroot
	OstreeServer string // default base URL for rootfs fetch
	Tags         []string
	RemoteName   string // symbolic name of the primary ostree remote
	OSName       string // stateroot name the deployments live under
	AppsRoot     string // local store for container app artifacts
	// UpdateBlock gates rootfs installs while a bootloader firmware
	// update is waiting for a confirming reboot.
	UpdateBlock      bool
	StorageWatermark int

	// [provision]
	HardwareID string

	// [tls]
	ServerURL string // device gateway base URL
	CAFile    string
	CertFile  string
	KeyFile   string

	// [storage]
	DBPath string // installed-versions database
}

// Load reads every *.toml under the given paths (files or directories) and
// merges them. Missing paths are skipped: a device typically carries
// /usr/lib/sota/conf.d plus an optional /etc override.
func Load(paths ...string) (*Config, error) {
	merged := map[string]map[string]string{}
	for _, p := range paths {
		files, err := expand(p)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			fragment := map[string]map[string]string{}
			if _, err := toml.DecodeFile(file, &fragment); err != nil {
				return nil, fmt.Errorf("decoding config file %q: %w", file, err)
			}
			for section, keys := range fragment {
				if merged[section] == nil {
					merged[section] = map[string]string{}
				}
				for k, v := range keys {
					merged[section][k] = v
				}
			}
		}
	}
	return fromMap(merged), nil
}

func expand(path string) ([]string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config path %q: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("listing config dir %q: %w", path, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		files = append(files, filepath.Join(path, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func fromMap(m map[string]map[string]string) *Config {
	get := func(section, key, def string) string {
		if v, ok := m[section][key]; ok {
			return v
		}
		return def
	}

	cfg := &Config{
		SysrootPath:  get("pacman", "sysroot", "/sysroot"),
		OstreeServer: get("pacman", "ostree_server", ""),
		RemoteName:   get("pacman", "ostree_remote", "treeline"),
		OSName:       get("pacman", "os_name", "treeline"),
		AppsRoot:     get("pacman", "compose_apps_root", "/var/sota/compose-apps"),
		HardwareID:   get("provision", "primary_ecu_hardware_id", ""),
		ServerURL:    get("tls", "server", ""),
		CAFile:       get("tls", "ca_file", ""),
		CertFile:     get("tls", "cert_file", ""),
		KeyFile:      get("tls", "pkey_file", ""),
		DBPath:       get("storage", "path", "/var/sota/installed_versions.toml"),
	}

	if tags := get("pacman", "tags", ""); tags != "" {
		for _, tag := range strings.Split(tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				cfg.Tags = append(cfg.Tags, tag)
			}
		}
	}

	if v, ok := m["pacman"]["bootupgrade_available_blocker"]; ok {
		cfg.UpdateBlock = Truthy(v)
	}
	cfg.StorageWatermark = parseWatermark(m["pacman"]["sysroot_storage_watermark"])

	return cfg
}

// Truthy reports whether a config value means "enabled". Anything other
// than "0" and "false" counts.
func Truthy(val string) bool { return val != "0" && val != "false" }

// parseWatermark clamps the disk-fullness ceiling into [50, 95].
// Out-of-range values clamp, unparseable values fall back to the default;
// both are operator mistakes worth an error log.
func parseWatermark(raw string) int {
	if raw == "" {
		return DefaultStorageWatermark
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		logrus.Errorf("invalid value of `sysroot_storage_watermark` parameter: %s; setting it the default value: %d",
			raw, DefaultStorageWatermark)
		return DefaultStorageWatermark
	}
	if val < MinStorageWatermark {
		logrus.Errorf("value of `sysroot_storage_watermark` parameter is too low: %d; setting it the minimum allowed: %d",
			val, MinStorageWatermark)
		return MinStorageWatermark
	}
	if val > MaxStorageWatermark {
		logrus.Errorf("value of `sysroot_storage_watermark` parameter is too high: %d; setting it the maximum allowed: %d",
			val, MaxStorageWatermark)
		return MaxStorageWatermark
	}
	return val
}
