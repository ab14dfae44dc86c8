package p2p

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// A frame is a 4-byte little-endian length followed by that many bytes:
// one message type byte and the JSON body.
const frameHeaderSize = 4

// DefaultMaxFrameSize bounds a single frame.
const DefaultMaxFrameSize = 16 << 20

// EncodeFrame serializes m into a complete frame.
func EncodeFrame(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	frame := make([]byte, frameHeaderSize, frameHeaderSize+1+len(body))
	binary.LittleEndian.PutUint32(frame, uint32(1+len(body)))
	frame = append(frame, byte(m.Type()))
	return append(frame, body...), nil
}

// WriteMessage writes m as one frame.
func WriteMessage(w io.Writer, m Message) error {
	frame, err := EncodeFrame(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads one frame. Frames larger than maxSize, empty frames,
// unknown types and undecodable bodies return ErrProtocol.
func ReadMessage(r io.Reader, maxSize int) (Message, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(hdr[:])
	if size == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrProtocol)
	}
	if maxSize > 0 && uint64(size) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrProtocol, size, maxSize)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return DecodeBody(MessageType(buf[0]), buf[1:])
}

// DecodeBody decodes a message body of the given type.
func DecodeBody(t MessageType, body []byte) (Message, error) {
	m, err := newMessage(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, m); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrProtocol, t, err)
	}
	if bm, ok := m.(*BlockMessage); ok && bm.Block == nil {
		return nil, fmt.Errorf("%w: block message without block", ErrProtocol)
	}
	return m, nil
}
