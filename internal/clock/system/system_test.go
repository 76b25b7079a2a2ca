package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNow_UTCAndMonotonic(t *testing.T) {
	t.Parallel()

	c := New()
	first := c.Now()
	require.Equal(t, time.UTC, first.Location())

	second := c.Now()
	require.False(t, second.Before(first))
}
