package httputil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLimitedBody(t *testing.T) {
	t.Run("under limit", func(t *testing.T) {
		body, err := ReadLimitedBody(strings.NewReader("hello"), 10)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), body)
	})

	t.Run("exactly at limit", func(t *testing.T) {
		body, err := ReadLimitedBody(strings.NewReader("hello"), 5)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), body)
	})

	t.Run("over limit", func(t *testing.T) {
		body, err := ReadLimitedBody(strings.NewReader("hello world"), 5)
		require.ErrorIs(t, err, ErrBodyTooLarge)
		assert.Len(t, body, 5)
	})

	t.Run("no limit reads everything", func(t *testing.T) {
		body, err := ReadLimitedBody(strings.NewReader("hello world"), 0)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello world"), body)
	})
}
