package gcs

import (
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesArguments(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "payloads"})
	require.Error(t, err)

	_, err = New(&storage.Client{}, Config{})
	require.Error(t, err)

	s, err := New(&storage.Client{}, Config{Bucket: "payloads"})
	require.NoError(t, err)
	require.Equal(t, "payloads", s.bucket)
}
