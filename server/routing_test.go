package server

import (
	"testing"

	"github.com/stretchr/testify/require"

	filecdn "github.com/syncshard/filecdn"
)

func TestParseShardRoutes(t *testing.T) {
	assert := require.New(t)

	routes, err := ParseShardRoutes([]string{
		"^[0-7]=https://shard-a.example.com/",
		"^[8-9a-f]=https://shard-b.example.com",
	})
	assert.NoError(err)
	assert.Len(routes, 2)

	// First hex char decides the shard.
	low := hashWithFirstChar(t, '0', '7')
	high := hashWithFirstChar(t, '8', 'f')

	assert.Equal("https://shard-a.example.com/serverfiles/"+low.String(), routes.DownloadURL(low))
	assert.Equal("https://shard-b.example.com/serverfiles/"+high.String(), routes.DownloadURL(high))
}

func TestParseShardRoutesInvalid(t *testing.T) {
	assert := require.New(t)

	_, err := ParseShardRoutes([]string{"no-separator"})
	assert.Error(err)

	_, err = ParseShardRoutes([]string{"[unclosed=https://x.example.com"})
	assert.Error(err)
}

func TestDownloadURLNoMatch(t *testing.T) {
	assert := require.New(t)

	routes, err := ParseShardRoutes([]string{"^zzz=https://never.example.com"})
	assert.NoError(err)
	assert.Empty(routes.DownloadURL(filecdn.HashBytes([]byte("anything"))))
}

// hashWithFirstChar finds content whose hash starts in the given hex range.
func hashWithFirstChar(t *testing.T, lo, hi byte) filecdn.Hash {
	t.Helper()
	for i := range 1000 {
		h := filecdn.HashBytes([]byte{byte(i), byte(i >> 8)})
		c := h.String()[0]
		if c >= lo && c <= hi {
			return h
		}
	}
	t.Fatal("no hash found in range")
	return filecdn.Hash{}
}
