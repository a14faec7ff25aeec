package feed

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLengthPrefixedFrames(t *testing.T) {
	t.Run("Frames: round trip", func(t *testing.T) {
		var buf bytes.Buffer
		in := Frame{
			Op:       OpAdd,
			Tag:      "glowing",
			EntityID: "player-1",
			Properties: map[string]any{
				"zone": "north",
			},
		}
		require.NoError(t, WriteLengthPrefixed(&buf, in))

		out, err := ReadLengthPrefixed(&buf)
		require.NoError(t, err)
		require.Equal(t, OpAdd, out.Op)
		require.Equal(t, "glowing", out.Tag)
		require.Equal(t, "player-1", out.EntityID)
		require.Equal(t, "north", out.Properties["zone"])
	})

	t.Run("Frames: multiple frames on one stream", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteLengthPrefixed(&buf, Frame{Op: OpAdd, Tag: "glowing", EntityID: "a"}))
		require.NoError(t, WriteLengthPrefixed(&buf, Frame{Op: OpRemove, Tag: "glowing", EntityID: "a"}))

		first, err := ReadLengthPrefixed(&buf)
		require.NoError(t, err)
		require.Equal(t, OpAdd, first.Op)
		second, err := ReadLengthPrefixed(&buf)
		require.NoError(t, err)
		require.Equal(t, OpRemove, second.Op)
	})

	t.Run("Frames: oversized prefix rejected", func(t *testing.T) {
		var buf bytes.Buffer
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], maxFrameSize+1)
		buf.Write(prefix[:])

		_, err := ReadLengthPrefixed(&buf)
		require.Error(t, err)
	})

	t.Run("Frames: truncated payload fails", func(t *testing.T) {
		var buf bytes.Buffer
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], 64)
		buf.Write(prefix[:])
		buf.WriteString("{\"op\":\"add\"}")

		_, err := ReadLengthPrefixed(&buf)
		require.Error(t, err)
	})

	t.Run("Frames: garbage payload fails", func(t *testing.T) {
		var buf bytes.Buffer
		payload := []byte("not json")
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
		buf.Write(prefix[:])
		buf.Write(payload)

		_, err := ReadLengthPrefixed(&buf)
		require.Error(t, err)
	})
}
