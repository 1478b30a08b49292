// Package fsstat probes filesystem capacity for the disk-space admission
// check that runs before a rootfs pull.
package fsstat

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Stat describes the block accounting of the filesystem holding a path.
type Stat struct {
	BlockCount     uint64
	FreeBlockCount uint64
	BlockSize      uint64
}

// Path returns the block statistics of the filesystem containing the given
// directory. Unprivileged processes see the unprivileged-available block
// count; root sees the total free count, matching what the tree tool can
// actually allocate.
func Path(path string) (Stat, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Stat{}, fmt.Errorf("statting sysroot directory %q: %w", path, err)
	}
	if !info.IsDir() {
		return Stat{}, fmt.Errorf("sysroot path is not a directory: %s", path)
	}

	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return Stat{}, fmt.Errorf("statting filesystem of %q: %w", path, err)
	}

	free := uint64(fs.Bavail)
	if os.Geteuid() == 0 {
		free = fs.Bfree
	}
	return Stat{
		BlockCount:     fs.Blocks,
		FreeBlockCount: free,
		// f_frsize equals f_bsize on linux
		BlockSize: uint64(fs.Bsize),
	}, nil
}
