package fsstat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPath(t *testing.T) {
	stat, err := Path(t.TempDir())
	require.NoError(t, err)
	assert.NotZero(t, stat.BlockCount)
	assert.NotZero(t, stat.BlockSize)
	assert.LessOrEqual(t, stat.FreeBlockCount, stat.BlockCount)
}

func TestPathRejectsFiles(t *testing.T) {
	file := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	_, err := Path(file)
	assert.ErrorContains(t, err, "not a directory")
}

func TestPathMissing(t *testing.T) {
	_, err := Path(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
