package scanner

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// maxLineBytes bounds a single accounting line. Longer lines are cut and
// end up as rejects.
const maxLineBytes = 1 << 20

// cursor reads complete lines from one daily file. offset and line always
// describe the end of the last complete line handed out; bytes of an
// unterminated tail are held in partial until their newline arrives.
type cursor struct {
	day     time.Time
	path    string
	f       *os.File
	info    os.FileInfo
	r       *bufio.Reader
	start   int64
	offset  int64
	line    int64
	partial []byte
}

// openCursor opens path and positions it at offset. A missing file is
// reported with os.ErrNotExist.
func openCursor(day time.Time, path string, offset, line int64) (*cursor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek %s to %d: %w", path, offset, err)
	}
	return &cursor{
		day:    day,
		path:   path,
		f:      f,
		info:   info,
		r:      bufio.NewReaderSize(f, 64*1024),
		start:  offset,
		offset: offset,
		line:   line,
	}, nil
}

// next returns the next complete line without its terminator. ok is false
// at EOF; any unterminated bytes stay buffered.
func (c *cursor) next() (line string, ok bool, err error) {
	for {
		chunk, err := c.r.ReadSlice('\n')
		c.partial = append(c.partial, chunk...)

		switch {
		case err == nil:
			return c.take(), true, nil
		case errors.Is(err, bufio.ErrBufferFull):
			if len(c.partial) >= maxLineBytes {
				return c.take(), true, nil
			}
			continue
		case errors.Is(err, io.EOF):
			return "", false, nil
		default:
			return "", false, fmt.Errorf("read %s: %w", c.path, err)
		}
	}
}

// flushPartial hands out the unterminated tail as a final line. Only used
// once the file is known to be finished.
func (c *cursor) flushPartial() (string, bool) {
	if len(c.partial) == 0 {
		return "", false
	}
	return c.take(), true
}

func (c *cursor) take() string {
	c.offset += int64(len(c.partial))
	c.line++
	line := bytes.TrimRight(c.partial, "\r\n")
	s := string(line)
	c.partial = c.partial[:0]
	return s
}

// pending is the number of buffered bytes past offset.
func (c *cursor) pending() int {
	return len(c.partial)
}

// replaced reports whether the file at path is no longer the one open, or
// has shrunk below what was committed or read from it.
func (c *cursor) replaced(committed int64) (bool, string, error) {
	st, err := os.Stat(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, "", nil
		}
		return false, "", fmt.Errorf("stat %s: %w", c.path, err)
	}
	if !os.SameFile(c.info, st) {
		return true, "file replaced", nil
	}
	// A file that was already short when opened, and never read since, is
	// not reported again.
	seen := c.offset > c.start || c.info.Size() >= c.start
	if seen && st.Size() < max(committed, c.offset) {
		return true, "file truncated", nil
	}
	return false, "", nil
}

// size is the current size of the file on disk.
func (c *cursor) size() int64 {
	if c.f == nil {
		return c.offset
	}
	st, err := c.f.Stat()
	if err != nil {
		return c.offset
	}
	return st.Size()
}

func (c *cursor) close() error {
	if c == nil || c.f == nil {
		return nil
	}
	return c.f.Close()
}
