package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

func TestNewCreatesMissingBaseDir(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "payloads")
	_, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	info, err := os.Stat(base)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestPutObjectWritesFileAndReturnsURI(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	s, err := New(Config{BaseDir: base})
	require.NoError(t, err)

	uri, err := s.PutObject(context.Background(), "detail/k1/g0.json", "application/json", []byte(`[{"id":1}]`))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"))

	data, err := os.ReadFile(filepath.Join(base, "detail", "k1", "g0.json"))
	require.NoError(t, err)
	require.Equal(t, `[{"id":1}]`, string(data))
}

func TestPutObjectRejectsPathTraversal(t *testing.T) {
	t.Parallel()

	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = s.PutObject(context.Background(), "../escape.json", "application/json", []byte("x"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "path traversal")
}
