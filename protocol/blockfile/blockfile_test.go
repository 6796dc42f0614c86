package blockfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"

	filecdn "github.com/syncshard/filecdn"
)

var errFakeNotFound = errors.New("not found")

type fakeSource struct {
	files map[filecdn.Hash][]byte
	calls []filecdn.Hash
	fail  error
}

func newFakeSource(contents ...[]byte) (*fakeSource, []filecdn.Hash) {
	src := &fakeSource{files: make(map[filecdn.Hash][]byte)}
	hashes := make([]filecdn.Hash, 0, len(contents))
	for _, c := range contents {
		h := filecdn.HashBytes(c)
		src.files[h] = c
		hashes = append(hashes, h)
	}
	return src, hashes
}

func (f *fakeSource) GetFile(_ context.Context, h filecdn.Hash) (io.ReadCloser, int64, error) {
	f.calls = append(f.calls, h)
	if f.fail != nil {
		return nil, 0, f.fail
	}
	content, ok := f.files[h]
	if !ok {
		return nil, 0, errFakeNotFound
	}
	return io.NopCloser(bytes.NewReader(content)), int64(len(content)), nil
}

func isFakeNotFound(err error) bool {
	return errors.Is(err, errFakeNotFound)
}

func TestEncodeHeader(t *testing.T) {
	assert := require.New(t)

	h := filecdn.HashBytes([]byte("ab"))
	header := EncodeHeader(nil, h, 2)
	assert.Equal("#"+h.String()+":2#", string(header))
}

func TestBuildBufferedWireFormat(t *testing.T) {
	assert := require.New(t)

	a := []byte("ab")
	b := []byte("xyz")
	src, hashes := newFakeSource(a, b)

	body, err := BuildBuffered(context.Background(), src, hashes, isFakeNotFound)
	assert.NoError(err)

	expected := fmt.Sprintf("#%s:2#ab#%s:3#xyz", hashes[0], hashes[1])
	assert.Equal(expected, string(body))
}

func TestBuildBufferedSkipsMissing(t *testing.T) {
	assert := require.New(t)

	content := []byte("present")
	src, hashes := newFakeSource(content)
	missing := filecdn.HashBytes([]byte("absent"))

	body, err := BuildBuffered(context.Background(), src, []filecdn.Hash{missing, hashes[0]}, isFakeNotFound)
	assert.NoError(err)

	blocks, err := ReadBlocks(bytes.NewReader(body))
	assert.NoError(err)
	assert.Len(blocks, 1, "missing hash emits neither header nor payload")
	assert.Equal(hashes[0], blocks[0].Hash)
	assert.Equal(content, blocks[0].Data)
}

func TestBuildBufferedSourceError(t *testing.T) {
	assert := require.New(t)

	src, hashes := newFakeSource([]byte("ab"))
	src.fail = errors.New("disk exploded")

	_, err := BuildBuffered(context.Background(), src, hashes, isFakeNotFound)
	assert.ErrorContains(err, "disk exploded")
}

func TestStreamedMatchesBuffered(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()

	a := []byte("ab")
	b := []byte("xyz")
	c := bytes.Repeat([]byte("payload"), 1000)
	src, hashes := newFakeSource(a, b, c)

	buffered, err := BuildBuffered(ctx, src, hashes, isFakeNotFound)
	assert.NoError(err)

	sr := NewStreamReader(ctx, src, hashes, isFakeNotFound)
	streamed, err := io.ReadAll(sr)
	assert.NoError(err)
	assert.NoError(sr.Close())

	assert.Equal(buffered, streamed, "both strategies must produce identical bytes")
}

func TestStreamReaderPartialReads(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()

	a := []byte("ab")
	b := []byte("xyz")
	src, hashes := newFakeSource(a, b)

	// One byte at a time forces reads to straddle header/payload borders.
	sr := NewStreamReader(ctx, src, hashes, isFakeNotFound)
	data, err := io.ReadAll(iotest.OneByteReader(sr))
	assert.NoError(err)

	blocks, err := ReadBlocks(bytes.NewReader(data))
	assert.NoError(err)
	assert.Len(blocks, 2)
	assert.Equal(a, blocks[0].Data)
	assert.Equal(b, blocks[1].Data)
}

func TestStreamReaderSkipsMissing(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()

	content := []byte("only file")
	src, hashes := newFakeSource(content)
	missing := filecdn.HashBytes([]byte("gone"))

	sr := NewStreamReader(ctx, src, []filecdn.Hash{missing, hashes[0], missing}, isFakeNotFound)
	data, err := io.ReadAll(sr)
	assert.NoError(err)

	blocks, err := ReadBlocks(bytes.NewReader(data))
	assert.NoError(err)
	assert.Len(blocks, 1)
	assert.Equal(content, blocks[0].Data)
}

func TestStreamReaderLazyResolution(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()

	src, hashes := newFakeSource([]byte("first"), []byte("second"))

	sr := NewStreamReader(ctx, src, hashes, isFakeNotFound)
	defer sr.Close()

	// Reading only the first header must not touch the second file yet.
	buf := make([]byte, 1)
	_, err := sr.Read(buf)
	assert.NoError(err)
	assert.Len(src.calls, 1)
}

func TestStreamReaderEmpty(t *testing.T) {
	assert := require.New(t)

	src, _ := newFakeSource()
	sr := NewStreamReader(context.Background(), src, nil, isFakeNotFound)

	data, err := io.ReadAll(sr)
	assert.NoError(err)
	assert.Empty(data)
}

func TestStreamReaderOnCloseOnce(t *testing.T) {
	assert := require.New(t)

	src, hashes := newFakeSource([]byte("ab"))

	closed := 0
	sr := NewStreamReader(context.Background(), src, hashes, isFakeNotFound, WithOnClose(func() { closed++ }))

	_, err := io.ReadAll(sr)
	assert.NoError(err)

	assert.NoError(sr.Close())
	assert.NoError(sr.Close())
	assert.Equal(1, closed)
}

func TestReadBlocksRoundTrip(t *testing.T) {
	assert := require.New(t)

	a := []byte("ab")
	b := []byte("xyz")
	src, hashes := newFakeSource(a, b)

	body, err := BuildBuffered(context.Background(), src, hashes, isFakeNotFound)
	assert.NoError(err)

	blocks, err := ReadBlocks(bytes.NewReader(body))
	assert.NoError(err)
	assert.Len(blocks, 2)
	assert.Equal(hashes[0], blocks[0].Hash)
	assert.Equal(a, blocks[0].Data)
	assert.Equal(hashes[1], blocks[1].Hash)
	assert.Equal(b, blocks[1].Data)
}

func TestReadBlocksTruncated(t *testing.T) {
	assert := require.New(t)

	src, hashes := newFakeSource([]byte("complete payload"))
	body, err := BuildBuffered(context.Background(), src, hashes, isFakeNotFound)
	assert.NoError(err)

	_, err = ReadBlocks(bytes.NewReader(body[:len(body)-3]))
	assert.Error(err)
}

func TestReadBlocksGarbage(t *testing.T) {
	assert := require.New(t)

	_, err := ReadBlocks(bytes.NewReader([]byte("not a block stream")))
	assert.Error(err)
}
