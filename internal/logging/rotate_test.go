package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingFile_RotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "error.log")

	rf, err := NewRotatingFile(path, 10, 7)
	require.NoError(t, err)
	defer rf.Close()

	_, err = rf.Write([]byte("1234567890"))
	require.NoError(t, err)

	_, err = rf.Write([]byte("rotate-me"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var rotated int
	for _, e := range entries {
		if e.Name() != "error.log" && strings.HasPrefix(e.Name(), "error.log.") {
			rotated++
		}
	}
	assert.Equal(t, 1, rotated)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "rotate-me", string(data))
}

func TestRotatingFile_PrunesBeyondKeep(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "error.log")

	rf, err := NewRotatingFile(path, 5, 2)
	require.NoError(t, err)
	defer rf.Close()

	for i := 0; i < 5; i++ {
		_, err := rf.Write([]byte("abcdef"))
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var rotated int
	for _, e := range entries {
		if e.Name() != "error.log" && strings.HasPrefix(e.Name(), "error.log.") {
			rotated++
		}
	}
	assert.LessOrEqual(t, rotated, 2)
}
