// Package blockfile implements the multiplexed multi-file wire format used
// by the bulk download endpoint. Each file is emitted as a header followed
// directly by its raw bytes:
//
//	'#' + <hash hex> + ':' + <length decimal> + '#' + <payload>
//
// Blocks are concatenated with no separators. Files appear strictly in
// requested order, and a hash that resolves to not-found is skipped
// entirely, so receivers must count the headers they actually see.
package blockfile

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	filecdn "github.com/syncshard/filecdn"
)

const (
	headerMarker = '#'
	headerSep    = ':'
)

// FileSource resolves a hash to a readable stream plus its size.
type FileSource interface {
	GetFile(ctx context.Context, h filecdn.Hash) (io.ReadCloser, int64, error)
}

// IsNotFoundFunc reports whether an error from a FileSource means the hash
// does not exist, as opposed to a real failure.
type IsNotFoundFunc func(error) bool

// EncodeHeader appends the block header for a file to dst and returns the
// extended slice. Both serialization strategies share this encoder so the
// format cannot drift between them.
func EncodeHeader(dst []byte, h filecdn.Hash, length int64) []byte {
	dst = append(dst, headerMarker)
	dst = append(dst, h.String()...)
	dst = append(dst, headerSep)
	dst = strconv.AppendInt(dst, length, 10)
	dst = append(dst, headerMarker)
	return dst
}

// BuildBuffered serializes all resolvable hashes into one in-memory body.
// Suitable for small aggregate sizes; larger responses should use
// NewStreamReader instead.
func BuildBuffered(ctx context.Context, src FileSource, hashes []filecdn.Hash, isNotFound IsNotFoundFunc) ([]byte, error) {
	var buf bytes.Buffer

	for _, h := range hashes {
		rc, size, err := src.GetFile(ctx, h)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("resolving %s: %w", h.ShortString(), err)
		}

		buf.Write(EncodeHeader(nil, h, size))
		n, err := io.Copy(&buf, rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", h.ShortString(), err)
		}
		if n != size {
			return nil, fmt.Errorf("reading %s: got %d bytes, expected %d", h.ShortString(), n, size)
		}
	}

	return buf.Bytes(), nil
}

// Block is one demultiplexed file from a multiplexed body.
type Block struct {
	Hash filecdn.Hash
	Data []byte
}

// ReadBlocks demultiplexes a multiplexed body, returning blocks in stream
// order.
func ReadBlocks(r io.Reader) ([]Block, error) {
	br := bufio.NewReader(r)
	var blocks []Block

	for {
		h, length, err := readHeader(br)
		if err == io.EOF {
			return blocks, nil
		}
		if err != nil {
			return nil, err
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(br, data); err != nil {
			return nil, fmt.Errorf("reading payload for %s: %w", h.ShortString(), err)
		}

		blocks = append(blocks, Block{Hash: h, Data: data})
	}
}

// readHeader parses one block header. Returns io.EOF cleanly when the
// stream ends at a block boundary.
func readHeader(br *bufio.Reader) (filecdn.Hash, int64, error) {
	var zero filecdn.Hash

	marker, err := br.ReadByte()
	if err != nil {
		if err == io.EOF {
			return zero, 0, io.EOF
		}
		return zero, 0, fmt.Errorf("reading header marker: %w", err)
	}
	if marker != headerMarker {
		return zero, 0, fmt.Errorf("bad header marker %q", marker)
	}

	hexPart, err := br.ReadString(headerSep)
	if err != nil {
		return zero, 0, fmt.Errorf("reading header hash: %w", err)
	}
	h, err := filecdn.ParseHash(hexPart[:len(hexPart)-1])
	if err != nil {
		return zero, 0, fmt.Errorf("parsing header hash: %w", err)
	}

	lenPart, err := br.ReadString(headerMarker)
	if err != nil {
		return zero, 0, fmt.Errorf("reading header length: %w", err)
	}
	length, err := strconv.ParseInt(lenPart[:len(lenPart)-1], 10, 64)
	if err != nil || length < 0 {
		return zero, 0, fmt.Errorf("bad header length %q", lenPart[:len(lenPart)-1])
	}

	return h, length, nil
}
