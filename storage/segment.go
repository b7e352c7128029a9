package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// LogSuffix is the extension of segment files
const LogSuffix = ".log"

// Segment is one file of a topic journal, named after the sequence number of its first record
type Segment struct {
	File    *os.File
	BaseSeq uint64
	Size    int64
}

func segmentPath(dir string, baseSeq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d", baseSeq)+LogSuffix)
}

// NewSegment creates an empty segment starting at baseSeq
func NewSegment(dir string, baseSeq uint64) (*Segment, error) {
	file, err := os.OpenFile(segmentPath(dir, baseSeq), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("create segment in %s: %w", dir, err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat segment %s: %w", file.Name(), err)
	}
	return &Segment{File: file, BaseSeq: baseSeq, Size: stat.Size()}, nil
}

// segmentBases lists the base sequence numbers of the segments in dir, ascending
func segmentBases(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var bases []uint64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), LogSuffix) {
			continue
		}
		base, err := strconv.ParseUint(strings.TrimSuffix(entry.Name(), LogSuffix), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("unexpected segment file name %s: %w", filepath.Join(dir, entry.Name()), err)
		}
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	return bases, nil
}

// Append writes an encoded record at the end of the segment
func (s *Segment) Append(b []byte) error {
	n, err := s.File.Write(b)
	s.Size += int64(n)
	if err != nil {
		return fmt.Errorf("append to segment %s: %w", s.File.Name(), err)
	}
	return nil
}

// ShouldRoll reports whether the segment reached maxBytes
func (s *Segment) ShouldRoll(maxBytes int64) bool {
	return maxBytes > 0 && s.Size >= maxBytes
}

// Sync flushes the segment to disk
func (s *Segment) Sync() error {
	return s.File.Sync()
}

// Close closes the segment file
func (s *Segment) Close() error {
	return s.File.Close()
}
