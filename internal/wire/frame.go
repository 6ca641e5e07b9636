package wire

import (
	"fmt"
	"io"

	"github.com/posforge/posforge/internal/codec"
)

// byteReader is the minimal interface codec.ReadFrame needs.
type byteReader interface {
	io.Reader
	io.ByteReader
}

// WriteMessage encodes msg and writes it as one length-delimited frame.
func WriteMessage(w io.Writer, msg Message) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}
	return codec.WriteFrame(w, byte(msg.Tag()), body)
}

// ReadMessage reads one frame off r and decodes it into a Message.
func ReadMessage(r byteReader) (Message, error) {
	tag, body, err := codec.ReadFrame(r)
	if err != nil {
		return nil, fmt.Errorf("wire: read frame: %w", err)
	}
	return Decode(tag, body)
}
