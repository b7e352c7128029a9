package client

import (
	"path/filepath"
	"testing"

	"github.com/CefBoud/monpost/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointerStore(t *testing.T) {
	as := assert.New(t)
	path := filepath.Join(t.TempDir(), "pointers.db")
	s, err := OpenPointerStore(path, "alice")
	require.NoError(t, err)

	id, err := s.Get("cats")
	require.NoError(t, err)
	as.Equal(types.ZeroPostID, id)

	require.NoError(t, s.Set("cats", 42))
	require.NoError(t, s.Set("news", 7))
	id, err = s.Get("cats")
	require.NoError(t, err)
	as.Equal(uint64(42), id)
	topics, err := s.Topics()
	require.NoError(t, err)
	as.Equal([]string{"cats", "news"}, topics)
	require.NoError(t, s.Close())

	// pointers survive a reopen, profiles do not see each other
	s, err = OpenPointerStore(path, "alice")
	require.NoError(t, err)
	id, err = s.Get("cats")
	require.NoError(t, err)
	as.Equal(uint64(42), id)
	require.NoError(t, s.Close())

	other, err := OpenPointerStore(path, "bob")
	require.NoError(t, err)
	defer other.Close()
	id, err = other.Get("cats")
	require.NoError(t, err)
	as.Equal(types.ZeroPostID, id)
}
