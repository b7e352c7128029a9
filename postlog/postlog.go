// Package postlog persists the posts a client received, one directory per topic.
//
// Every post is a file named {id}-{poster}.{ext} with a companion {name}.meta
// holding the name of the post written before it. HEAD names the newest post,
// so the log is a backward chain anchored at HEAD. Rewriting HEAD is the commit
// point of an append.
package postlog

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/CefBoud/monpost/logging"
	"github.com/CefBoud/monpost/types"
	"github.com/CefBoud/monpost/utils"
	"github.com/hashicorp/go-hclog"
)

const (
	headFile      = "HEAD"
	metaExtension = ".meta"
)

var (
	// ErrMalformedName is returned for a post file name that does not read as {id}-{poster}.{ext}
	ErrMalformedName = errors.New("malformed post file name")
	// ErrBrokenChain is returned when the previous-post pointers loop back on themselves
	ErrBrokenChain = errors.New("post chain loops")

	fileNamePattern = regexp.MustCompile(`^(\d+)-(.*)\.([^.]*)$`)
)

// PathError records a file system failure and the file it happened on
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("postlog %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// FileName is the name of the file holding a post
func FileName(info types.PostInfo) string {
	return info.String()
}

// ParseFileName reads a post file name back into its PostInfo
func ParseFileName(name string) (types.PostInfo, error) {
	m := fileNamePattern.FindStringSubmatch(name)
	if m == nil {
		return types.PostInfo{}, fmt.Errorf("%w: %q", ErrMalformedName, name)
	}
	id, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil || id == types.ZeroPostID {
		return types.PostInfo{}, fmt.Errorf("%w: %q has no valid post id", ErrMalformedName, name)
	}
	return types.PostInfo{ID: id, PosterID: m[2], Extension: m[3]}, nil
}

// Log is the durable post log of one profile, rooted at a directory
type Log struct {
	dir    string
	logger hclog.Logger
}

// New returns a log rooted at dir. Directories are created on first append.
func New(dir string, logger hclog.Logger) *Log {
	return &Log{dir: dir, logger: logging.OrDiscard(logger)}
}

// TopicDir is the directory holding a topic's posts
func (l *Log) TopicDir(topic string) string {
	return filepath.Join(l.dir, url.PathEscape(topic))
}

func (l *Log) head(dir string) (string, error) {
	path := filepath.Join(dir, headFile)
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", &PathError{Op: "read", Path: path, Err: err}
	}
	return string(b), nil
}

// Append stores post as the newest post of topic
func (l *Log) Append(post types.Post, topic string) error {
	if err := post.Info.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedName, err)
	}
	dir := l.TopicDir(topic)
	if err := utils.EnsurePath(dir, true); err != nil {
		return &PathError{Op: "mkdir", Path: dir, Err: err}
	}
	previous, err := l.head(dir)
	if err != nil {
		return err
	}
	name := FileName(post.Info)
	if name == previous {
		l.logger.Debug("post already stored", "topic", topic, "post", name)
		return nil
	}

	path := filepath.Join(dir, name)
	if err := utils.WriteFileAtomic(path, post.Payload, 0o644); err != nil {
		return &PathError{Op: "write", Path: path, Err: err}
	}
	meta := path + metaExtension
	if err := utils.WriteFileAtomic(meta, []byte(previous), 0o644); err != nil {
		return &PathError{Op: "write", Path: meta, Err: err}
	}
	head := filepath.Join(dir, headFile)
	if err := utils.WriteFileAtomic(head, []byte(name), 0o644); err != nil {
		return &PathError{Op: "commit", Path: head, Err: err}
	}
	l.logger.Trace("post appended", "topic", topic, "post", name, "bytes", len(post.Payload))
	return nil
}

// ReadAll returns the posts of topic, oldest first. An unknown topic has no posts.
func (l *Log) ReadAll(topic string) ([]types.Post, error) {
	dir := l.TopicDir(topic)
	name, err := l.head(dir)
	if err != nil {
		return nil, err
	}
	var posts []types.Post
	seen := make(map[string]bool)
	for name != "" {
		if seen[name] {
			return nil, fmt.Errorf("%w: %s in %s", ErrBrokenChain, name, dir)
		}
		seen[name] = true

		info, err := ParseFileName(name)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, name)
		payload, err := os.ReadFile(path)
		if err != nil {
			return nil, &PathError{Op: "read", Path: path, Err: err}
		}
		previous, err := os.ReadFile(path + metaExtension)
		if err != nil {
			return nil, &PathError{Op: "read", Path: path + metaExtension, Err: err}
		}
		posts = append(posts, types.Post{Info: info, Payload: payload})
		name = string(previous)
	}
	for i, j := 0, len(posts)-1; i < j; i, j = i+1, j-1 {
		posts[i], posts[j] = posts[j], posts[i]
	}
	return posts, nil
}

// Topics lists the topics with a directory in the log
func (l *Log) Topics() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &PathError{Op: "readdir", Path: l.dir, Err: err}
	}
	var topics []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		topic, err := url.PathUnescape(e.Name())
		if err != nil {
			l.logger.Warn("skipping unexpected directory", "name", e.Name())
			continue
		}
		topics = append(topics, topic)
	}
	return topics, nil
}
