package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutObjectStoresCopyAndReturnsURI(t *testing.T) {
	t.Parallel()

	s := New()
	payload := []byte(`[{"id":1}]`)
	uri, err := s.PutObject(context.Background(), "detail/k1/g0.json", "application/json", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://detail/k1/g0.json", uri)

	payload[0] = 'X'
	got, ok := s.Object("detail/k1/g0.json")
	require.True(t, ok)
	require.Equal(t, []byte(`[{"id":1}]`), got)
	require.Equal(t, 1, s.Len())
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	s := New()
	_, err := s.PutObject(context.Background(), "", "application/json", []byte("x"))
	require.Error(t, err)
}
