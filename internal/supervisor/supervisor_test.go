package supervisor

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadImageSpansMultipleChunks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")

	want := bytes.Repeat([]byte{0xAB}, loadChunk*3+17)
	require.NoError(t, os.WriteFile(path, want, 0o644))

	got, err := readImage(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestReadImageMissingFile(t *testing.T) {
	_, err := readImage(filepath.Join(t.TempDir(), "missing.bin"))
	require.Error(t, err)
}
