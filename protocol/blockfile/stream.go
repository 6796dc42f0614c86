package blockfile

import (
	"context"
	"fmt"
	"io"

	filecdn "github.com/syncshard/filecdn"
)

// StreamReader emits the multiplexed body without holding more than one
// file's header in memory: each file's header comes from a small buffer and
// its payload is read straight from the underlying handle, advancing to the
// next file only once the previous payload is exhausted.
//
// A single Read may return bytes straddling a header and the start of a
// payload, or end mid-payload; callers loop as with any io.Reader.
type StreamReader struct {
	ctx        context.Context
	src        FileSource
	isNotFound IsNotFoundFunc
	hashes     []filecdn.Hash

	idx       int
	header    []byte
	cur       io.ReadCloser
	remaining int64

	onClose func()
	closed  bool
	err     error
}

// StreamOption configures a StreamReader.
type StreamOption func(*StreamReader)

// WithOnClose registers a callback invoked exactly once when the reader is
// closed. Used to tie a queue slot's release to the response lifecycle.
func WithOnClose(fn func()) StreamOption {
	return func(s *StreamReader) {
		s.onClose = fn
	}
}

// NewStreamReader creates a streaming serializer over the given hashes.
// Files are resolved lazily, in order, as the reader is consumed.
func NewStreamReader(ctx context.Context, src FileSource, hashes []filecdn.Hash, isNotFound IsNotFoundFunc, opts ...StreamOption) *StreamReader {
	s := &StreamReader{
		ctx:        ctx,
		src:        src,
		isNotFound: isNotFound,
		hashes:     hashes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Read implements io.Reader.
func (s *StreamReader) Read(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}

	total := 0
	for total < len(p) {
		// Drain any pending header bytes first.
		if len(s.header) > 0 {
			n := copy(p[total:], s.header)
			s.header = s.header[n:]
			total += n
			continue
		}

		// Then the current file's payload.
		if s.cur != nil {
			if s.remaining == 0 {
				if err := s.closeCurrent(); err != nil {
					s.err = err
					return total, err
				}
				continue
			}
			limit := int64(len(p) - total)
			if limit > s.remaining {
				limit = s.remaining
			}
			n, err := s.cur.Read(p[total : total+int(limit)])
			s.remaining -= int64(n)
			total += n
			if err == io.EOF {
				if s.remaining > 0 {
					s.err = fmt.Errorf("file %s truncated with %d bytes remaining", s.hashes[s.idx-1].ShortString(), s.remaining)
					return total, s.err
				}
				if err := s.closeCurrent(); err != nil {
					s.err = err
					return total, err
				}
				continue
			}
			if err != nil {
				s.err = err
				return total, err
			}
			continue
		}

		// Advance to the next resolvable file.
		if err := s.advance(); err != nil {
			if err != io.EOF {
				s.err = err
			}
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
	}

	return total, nil
}

// advance resolves the next hash, skipping not-found entries. Returns
// io.EOF when the request list is exhausted.
func (s *StreamReader) advance() error {
	for s.idx < len(s.hashes) {
		h := s.hashes[s.idx]
		s.idx++

		rc, size, err := s.src.GetFile(s.ctx, h)
		if err != nil {
			if s.isNotFound(err) {
				continue
			}
			return fmt.Errorf("resolving %s: %w", h.ShortString(), err)
		}

		s.header = EncodeHeader(nil, h, size)
		s.cur = rc
		s.remaining = size
		return nil
	}
	return io.EOF
}

func (s *StreamReader) closeCurrent() error {
	err := s.cur.Close()
	s.cur = nil
	if err != nil {
		return fmt.Errorf("closing file: %w", err)
	}
	return nil
}

// Close releases the current file handle, if any, and fires the onClose
// callback exactly once.
func (s *StreamReader) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.cur != nil {
		err = s.cur.Close()
		s.cur = nil
	}
	if s.onClose != nil {
		s.onClose()
	}
	return err
}
