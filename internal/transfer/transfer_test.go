package transfer

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vibepilot/vibepilot/internal/protocol"
)

// capture collects the typed messages a sender emits so tests can
// replay them into a receiver in any order.
type capture struct {
	start    protocol.TransferStartPayload
	chunks   []protocol.TransferChunkPayload
	complete protocol.TransferCompletePayload
}

func captureSend(c *capture) SendFunc {
	return func(t protocol.MsgType, payload any) error {
		switch t {
		case protocol.ImageStart:
			c.start = payload.(protocol.TransferStartPayload)
		case protocol.ImageChunk:
			c.chunks = append(c.chunks, payload.(protocol.TransferChunkPayload))
		case protocol.ImageComplete:
			c.complete = payload.(protocol.TransferCompletePayload)
		}
		return nil
	}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func TestSenderSplitsOnChunkBoundary(t *testing.T) {
	var c capture
	s := NewSender(captureSend(&c))

	data := randomBytes(t, 2*ChunkSize+100)
	tid, err := s.Send("", "shot.png", data, "image/png", "s1")
	require.NoError(t, err)
	require.NotEmpty(t, tid)

	assert.Equal(t, tid, c.start.TransferID)
	assert.Equal(t, "shot.png", c.start.Filename)
	assert.Equal(t, int64(len(data)), c.start.TotalSize)
	assert.Equal(t, "image/png", c.start.MimeType)
	assert.Equal(t, "s1", c.start.SessionID)
	assert.Equal(t, tid, c.complete.TransferID)

	require.Len(t, c.chunks, 3)
	for i, chunk := range c.chunks {
		assert.Equal(t, i, chunk.ChunkIndex)
	}
}

func TestSenderSniffsMimeType(t *testing.T) {
	var c capture
	s := NewSender(captureSend(&c))

	// PNG magic bytes.
	data := append([]byte("\x89PNG\r\n\x1a\n"), randomBytes(t, 64)...)
	_, err := s.Send("t1", "shot", data, "", "")
	require.NoError(t, err)
	assert.Equal(t, "image/png", c.start.MimeType)
}

func roundTrip(t *testing.T, r *Receiver, c *capture, shuffle func([]protocol.TransferChunkPayload)) *Saved {
	t.Helper()

	r.Start(c.start.TransferID, c.start.Filename, c.start.TotalSize, c.start.MimeType)

	chunks := append([]protocol.TransferChunkPayload(nil), c.chunks...)
	if shuffle != nil {
		shuffle(chunks)
	}
	for _, chunk := range chunks {
		require.NoError(t, r.AddChunk(chunk.TransferID, chunk.ChunkIndex, chunk.Data))
	}

	saved, err := r.Complete(c.complete.TransferID)
	require.NoError(t, err)
	return saved
}

func TestOutOfOrderChunksReassembleExactly(t *testing.T) {
	var c capture
	s := NewSender(captureSend(&c))
	data := randomBytes(t, 3*ChunkSize+17)
	_, err := s.Send("t1", "blob.bin", data, "application/octet-stream", "")
	require.NoError(t, err)

	r := NewReceiver(t.TempDir(), zap.NewNop())
	saved := roundTrip(t, r, &c, func(chunks []protocol.TransferChunkPayload) {
		// Reverse delivery order.
		for i, j := 0, len(chunks)-1; i < j; i, j = i+1, j-1 {
			chunks[i], chunks[j] = chunks[j], chunks[i]
		}
	})

	got, err := os.ReadFile(saved.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got, "reassembled bytes match the original exactly")
	assert.Equal(t, int64(len(data)), saved.Size)
	assert.Zero(t, r.Pending(), "record removed after completion")
}

func TestMissingChunkWritesWhatArrived(t *testing.T) {
	var c capture
	s := NewSender(captureSend(&c))
	data := randomBytes(t, 2*ChunkSize)
	_, err := s.Send("t1", "blob.bin", data, "application/octet-stream", "")
	require.NoError(t, err)
	require.Len(t, c.chunks, 2)

	r := NewReceiver(t.TempDir(), zap.NewNop())
	r.Start(c.start.TransferID, c.start.Filename, c.start.TotalSize, c.start.MimeType)

	// Drop chunk 0; only chunk 1 arrives.
	require.NoError(t, r.AddChunk("t1", c.chunks[1].ChunkIndex, c.chunks[1].Data))

	saved, err := r.Complete("t1")
	require.NoError(t, err, "a gap does not fail the transfer")
	assert.Equal(t, int64(ChunkSize), saved.Size)

	got, err := os.ReadFile(saved.Path)
	require.NoError(t, err)
	assert.Equal(t, data[ChunkSize:], got)
}

func TestUnknownTransferIDs(t *testing.T) {
	r := NewReceiver(t.TempDir(), zap.NewNop())

	assert.ErrorIs(t, r.AddChunk("nope", 0, "QUJD"), ErrTransferNotFound)

	_, err := r.Complete("nope")
	assert.ErrorIs(t, err, ErrTransferNotFound)

	// Completing twice: the second call finds no record.
	r.Start("t1", "a.txt", 3, "text/plain")
	require.NoError(t, r.AddChunk("t1", 0, "QUJD"))
	_, err = r.Complete("t1")
	require.NoError(t, err)
	_, err = r.Complete("t1")
	assert.ErrorIs(t, err, ErrTransferNotFound)
}

func TestInterleavedTransfersStayIsolated(t *testing.T) {
	r := NewReceiver(t.TempDir(), zap.NewNop())

	r.Start("t1", "a.txt", 1, "text/plain")
	r.Start("t2", "b.txt", 1, "text/plain")
	require.NoError(t, r.AddChunk("t1", 0, "QQ==")) // "A"
	require.NoError(t, r.AddChunk("t2", 0, "Qg==")) // "B"
	assert.Equal(t, 2, r.Pending())

	savedA, err := r.Complete("t1")
	require.NoError(t, err)
	savedB, err := r.Complete("t2")
	require.NoError(t, err)

	gotA, err := os.ReadFile(savedA.Path)
	require.NoError(t, err)
	gotB, err := os.ReadFile(savedB.Path)
	require.NoError(t, err)
	assert.Equal(t, "A", string(gotA))
	assert.Equal(t, "B", string(gotB))
	assert.NotEqual(t, savedA.Path, savedB.Path)
}

func TestSavedFileOwnerOnly(t *testing.T) {
	r := NewReceiver(t.TempDir(), zap.NewNop())
	r.Start("t1", "secret.png", 1, "image/png")
	require.NoError(t, r.AddChunk("t1", 0, "QQ=="))

	saved, err := r.Complete("t1")
	require.NoError(t, err)

	info, err := os.Stat(saved.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSavedNameKeepsExtensionOnly(t *testing.T) {
	r := NewReceiver(t.TempDir(), zap.NewNop())
	r.Start("t1", "../../etc/passwd.png", 1, "image/png")
	require.NoError(t, r.AddChunk("t1", 0, "QQ=="))

	saved, err := r.Complete("t1")
	require.NoError(t, err)

	base := filepath.Base(saved.Path)
	assert.True(t, strings.HasPrefix(base, "xfer_"), "name is a fresh transfer ULID")
	assert.True(t, strings.HasSuffix(base, ".png"))
	assert.NotContains(t, saved.Path, "etc")
}

func TestSavedNameWithoutExtension(t *testing.T) {
	r := NewReceiver(t.TempDir(), zap.NewNop())
	r.Start("t1", "rawdata", 1, "application/octet-stream")
	require.NoError(t, r.AddChunk("t1", 0, "QQ=="))

	saved, err := r.Complete("t1")
	require.NoError(t, err)
	assert.NotContains(t, filepath.Base(saved.Path), ".")
}

func TestAbortDropsState(t *testing.T) {
	r := NewReceiver(t.TempDir(), zap.NewNop())
	r.Start("t1", "a.txt", 1, "text/plain")
	r.Abort("t1")

	assert.Zero(t, r.Pending())
	assert.ErrorIs(t, r.AddChunk("t1", 0, "QQ=="), ErrTransferNotFound)
}
