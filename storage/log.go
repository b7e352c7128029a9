package storage

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/CefBoud/monpost/compress"
	"github.com/CefBoud/monpost/types"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

// LogConfig configures the file journal
type LogConfig struct {
	Dir           string
	SegmentBytes  int64
	FlushInterval time.Duration
	Compression   compress.CompressionType
}

type topicLog struct {
	dir     string
	active  *Segment
	nextSeq uint64
}

// Log journals topic stores into per-topic directories of segment files.
// Records are appended under the topic store lock, so each topic is written by one goroutine at a time.
type Log struct {
	config     LogConfig
	logger     hclog.Logger
	mu         sync.Mutex
	topics     map[string]*topicLog
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// OpenLog prepares the journal directory
func OpenLog(config LogConfig, logger hclog.Logger) (*Log, error) {
	if err := os.MkdirAll(config.Dir, 0750); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", config.Dir, err)
	}
	return &Log{
		config:     config,
		logger:     logger,
		topics:     make(map[string]*topicLog),
		shutdownCh: make(chan struct{}),
	}, nil
}

// Startup starts the periodic flush to disk
func (l *Log) Startup() {
	if l.config.FlushInterval <= 0 {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.config.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := l.Flush(); err != nil {
					l.logger.Error("error while flushing topic logs to disk", "error", err)
				}
			case <-l.shutdownCh:
				return
			}
		}
	}()
}

func (l *Log) topicDir(topic string) string {
	return filepath.Join(l.config.Dir, url.PathEscape(topic))
}

// TopicNames lists the topics that have a journal directory
func (l *Log) TopicNames() ([]string, error) {
	entries, err := os.ReadDir(l.config.Dir)
	if err != nil {
		return nil, fmt.Errorf("read log dir %s: %w", l.config.Dir, err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			l.logger.Warn("skipping unexpected directory in log dir", "dir", entry.Name())
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// Load replays the journal of a topic, oldest record first, and opens it for appending.
// A corrupt or truncated tail of the last segment is cut off.
func (l *Log) Load(topic string, fn func(Record) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.topics[topic]; ok {
		return fmt.Errorf("topic log %s already loaded", topic)
	}
	dir := l.topicDir(topic)
	bases, err := segmentBases(dir)
	if err != nil {
		return fmt.Errorf("list segments of %s: %w", dir, err)
	}
	tl := &topicLog{dir: dir}
	for i, base := range bases {
		path := segmentPath(dir, base)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read segment %s: %w", path, err)
		}
		offset := 0
		for offset < len(data) {
			r, n, err := ReadRecord(data[offset:])
			if err != nil {
				if i != len(bases)-1 {
					return fmt.Errorf("segment %s at offset %d: %w", path, offset, err)
				}
				l.logger.Warn("truncating corrupt tail of segment", "segment", path, "offset", offset, "error", err)
				if err := os.Truncate(path, int64(offset)); err != nil {
					return fmt.Errorf("truncate segment %s: %w", path, err)
				}
				break
			}
			if err := fn(r); err != nil {
				return err
			}
			tl.nextSeq = r.Seq + 1
			offset += n
		}
	}
	if len(bases) > 0 {
		tl.active, err = NewSegment(dir, bases[len(bases)-1])
		if err != nil {
			return err
		}
	}
	l.topics[topic] = tl
	return nil
}

func (l *Log) topicLog(topic string) (*topicLog, error) {
	if tl, ok := l.topics[topic]; ok {
		return tl, nil
	}
	dir := l.topicDir(topic)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create topic dir %s: %w", dir, err)
	}
	tl := &topicLog{dir: dir}
	l.topics[topic] = tl
	return tl, nil
}

func (l *Log) append(topic string, r Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl, err := l.topicLog(topic)
	if err != nil {
		return err
	}
	if tl.active == nil || tl.active.ShouldRoll(l.config.SegmentBytes) {
		if err := l.roll(tl); err != nil {
			return err
		}
	}
	r.Seq = tl.nextSeq
	r.Attributes = uint8(l.config.Compression) & compress.AttributeMask
	b, err := WriteRecord(r)
	if err != nil {
		return err
	}
	if err := tl.active.Append(b); err != nil {
		return err
	}
	tl.nextSeq++
	return nil
}

func (l *Log) roll(tl *topicLog) error {
	if tl.active != nil {
		if err := tl.active.Sync(); err != nil {
			return fmt.Errorf("sync segment before roll: %w", err)
		}
		if err := tl.active.Close(); err != nil {
			return fmt.Errorf("close segment before roll: %w", err)
		}
		l.logger.Debug("rolling segment", "dir", tl.dir, "next_seq", tl.nextSeq)
	}
	seg, err := NewSegment(tl.dir, tl.nextSeq)
	if err != nil {
		return fmt.Errorf("error while creating new segment for roll: %w", err)
	}
	tl.active = seg
	return nil
}

// AppendPostInfo implements Journal
func (l *Log) AppendPostInfo(topic string, info types.PostInfo) error {
	return l.append(topic, NewPostInfoRecord(info))
}

// AppendPacket implements Journal
func (l *Log) AppendPacket(topic string, packet types.Packet) error {
	return l.append(topic, NewPacketRecord(packet))
}

// AppendAbort implements Journal
func (l *Log) AppendAbort(topic string, postID uint64) error {
	return l.append(topic, NewAbortRecord(postID))
}

// Flush syncs every active segment
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var result error
	for topic, tl := range l.topics {
		if tl.active == nil {
			continue
		}
		if err := tl.active.Sync(); err != nil {
			result = multierror.Append(result, fmt.Errorf("sync topic %s: %w", topic, err))
		}
	}
	return result
}

// Close stops the flush loop, flushes and closes every segment
func (l *Log) Close() error {
	select {
	case <-l.shutdownCh:
		return errors.New("log already closed")
	default:
		close(l.shutdownCh)
	}
	l.wg.Wait()
	result := l.Flush()
	l.mu.Lock()
	defer l.mu.Unlock()
	for topic, tl := range l.topics {
		if tl.active == nil {
			continue
		}
		if err := tl.active.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close topic %s: %w", topic, err))
		}
	}
	return result
}
