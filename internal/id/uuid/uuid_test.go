package uuid

import (
	"testing"

	guuid "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewID_ValidAndUnique(t *testing.T) {
	t.Parallel()

	g := New()
	a, err := g.NewID()
	require.NoError(t, err)
	b, err := g.NewID()
	require.NoError(t, err)

	require.NotEqual(t, a, b)

	parsed, err := guuid.Parse(a)
	require.NoError(t, err)
	require.Equal(t, guuid.Version(7), parsed.Version())
}
