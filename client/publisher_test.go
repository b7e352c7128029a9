package client

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/CefBoud/monpost/protocol"
	"github.com/CefBoud/monpost/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPosts(t *testing.T) {
	as := assert.New(t)
	config := DefaultConfig()
	config.PosterID = "bob"
	p, err := NewPublisher(config)
	require.NoError(t, err)

	text := p.NewTextPost("hi")
	as.True(text.Info.IsText())
	as.Equal("bob", text.Info.PosterID)
	as.NotEqual(types.ZeroPostID, text.Info.ID)

	dir := t.TempDir()
	image := filepath.Join(dir, "cat.png")
	require.NoError(t, os.WriteFile(image, []byte{1, 2, 3}, 0o644))
	post, err := p.NewFilePost(image)
	require.NoError(t, err)
	as.Equal("png", post.Info.Extension)
	as.Equal([]byte{1, 2, 3}, post.Payload)
	as.Greater(post.Info.ID, text.Info.ID)

	noExt := filepath.Join(dir, "README")
	require.NoError(t, os.WriteFile(noExt, nil, 0o644))
	post, err = p.NewFilePost(noExt)
	require.NoError(t, err)
	as.Equal(defaultFileExtension, post.Info.Extension)

	_, err = p.NewFilePost(filepath.Join(dir, "missing.jpg"))
	as.Error(err)
}

func TestPublishRejectsPosterLeavingTopicDir(t *testing.T) {
	config := DefaultConfig()
	config.PosterID = "../../escaped"
	dials := 0
	config.Dialer = func(ctx context.Context, addr string) (*protocol.Conn, error) {
		dials++
		return nil, errors.New("unreachable")
	}
	p, err := NewPublisher(config)
	require.NoError(t, err)

	err = p.Publish(context.Background(), "cats", p.NewTextPost("hi"))
	assert.ErrorIs(t, err, types.ErrInvalidPostInfo)
	assert.Zero(t, dials)
}
