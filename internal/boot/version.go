package boot

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// VersionFile is where a deployment records the bootloader firmware version
// it ships, relative to the deployment root.
const VersionFile = "/usr/lib/firmware/version.txt"

// ReadVersionFile extracts the bootfirmware_version value from a key=value
// file. A file that exists but carries no parsable entry is malformed and
// must block the update; a missing file is an ordinary lookup failure.
func ReadVersionFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("reading bootloader version file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return "", fmt.Errorf("%w: no `=` in line %q of %s", ErrMalformedVersionFile, line, path)
		}
		if strings.TrimSpace(key) == "bootfirmware_version" {
			return strings.TrimSpace(value), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading bootloader version file: %w", err)
	}
	return "", fmt.Errorf("%w: no bootfirmware_version entry in %s", ErrMalformedVersionFile, path)
}

// ParseVersion parses a bootloader version as a base-10 unsigned integer.
func ParseVersion(raw string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid format of the bootloader version; value: %s", raw)
	}
	return v, nil
}
