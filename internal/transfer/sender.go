// Package transfer implements the chunked binary transfer protocol used
// for media uploads: a start message, base64 text chunks sized on the
// encoding's 3-byte group boundary, and an explicit complete message.
// Chunks ride the same envelope machinery as every other message.
package transfer

import (
	"encoding/base64"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/vibepilot/vibepilot/internal/protocol"
)

// ChunkSize is the raw byte length of each chunk before encoding. It is
// a multiple of base64's 3-byte atomic group, so every encoded chunk
// decodes without padding artifacts and decoded chunks concatenate into
// the exact original bytes.
const ChunkSize = 48 * 1024

// SendFunc emits one typed message; in production this is Router.Send.
type SendFunc func(t protocol.MsgType, payload any) error

// Sender is the splitting half of the transfer protocol.
type Sender struct {
	send SendFunc
}

// NewSender creates a sender that emits messages through send.
func NewSender(send SendFunc) *Sender {
	return &Sender{send: send}
}

// Send splits data into size-aligned chunks and emits the full
// start/chunk/complete sequence. transferID may be empty, in which case
// one is generated; the MIME type is sniffed from the data when absent.
// Returns the transfer ID actually used.
func (s *Sender) Send(transferID, filename string, data []byte, mimeType, sessionID string) (string, error) {
	if transferID == "" {
		transferID = uuid.NewString()
	}
	if mimeType == "" {
		mimeType = mimetype.Detect(data).String()
	}

	err := s.send(protocol.ImageStart, protocol.TransferStartPayload{
		TransferID: transferID,
		Filename:   filename,
		TotalSize:  int64(len(data)),
		MimeType:   mimeType,
		SessionID:  sessionID,
	})
	if err != nil {
		return "", fmt.Errorf("starting transfer %s: %w", transferID, err)
	}

	for index, offset := 0, 0; offset < len(data); index, offset = index+1, offset+ChunkSize {
		end := offset + ChunkSize
		if end > len(data) {
			end = len(data)
		}

		err := s.send(protocol.ImageChunk, protocol.TransferChunkPayload{
			TransferID: transferID,
			ChunkIndex: index,
			Data:       base64.StdEncoding.EncodeToString(data[offset:end]),
		})
		if err != nil {
			return "", fmt.Errorf("sending chunk %d of %s: %w", index, transferID, err)
		}
	}

	err = s.send(protocol.ImageComplete, protocol.TransferCompletePayload{
		TransferID: transferID,
	})
	if err != nil {
		return "", fmt.Errorf("completing transfer %s: %w", transferID, err)
	}

	return transferID, nil
}
