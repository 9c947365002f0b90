package daemon

import (
	"encoding/binary"
	"fmt"
	"io"
)

// writeFrame writes payload as a 4-byte big-endian length prefix followed
// by the payload bytes. io.Writer.Write on a net.Conn loops internally
// until the write completes or errors, so short writes never escape.
func writeFrame(w io.Writer, payload []byte, maxLen uint32) error {
	if uint32(len(payload)) > maxLen {
		return fmt.Errorf("daemon: frame of %d bytes exceeds max %d", len(payload), maxLen)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("daemon: writing frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("daemon: writing frame payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame, using io.ReadFull to loop
// until the exact byte count is read or an error (including EOF mid-frame,
// which io.ReadFull surfaces as io.ErrUnexpectedEOF) occurs.
func readFrame(r io.Reader, maxLen uint32) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err // EOF here is a clean "no more frames", not an error
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxLen {
		return nil, fmt.Errorf("daemon: frame of %d bytes exceeds max %d", n, maxLen)
	}
	if n == 0 {
		return nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("daemon: reading frame payload: %w", err)
	}
	return payload, nil
}
