// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

package protocols

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/coronanet/go-peerfinder/params"
	"github.com/fxamacker/cbor/v2"
)

// ErrFrameTooLarge is returned if a peer announces a document larger than the
// protocol permits.
var ErrFrameTooLarge = errors.New("frame too large")

var (
	// encMode is the deterministic CBOR encoder, making signed documents
	// reproducible byte for byte on both sides.
	encMode cbor.EncMode

	// decMode is the lenient CBOR decoder, ignoring unknown fields.
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// Marshal encodes a value into canonical CBOR.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a CBOR blob into a value.
func Unmarshal(blob []byte, v interface{}) error {
	return decMode.Unmarshal(blob, v)
}

// SigningBytes returns the canonical encoding of a session-create document with
// the signature left out.
func (s *SessionCreate) SigningBytes() []byte {
	unsigned := *s
	unsigned.Signature = nil

	blob, err := Marshal(&unsigned)
	if err != nil {
		panic(err) // Plain struct, cannot fail
	}
	return blob
}

// LineReader decodes newline delimited JSON documents as sent by finders. Bare
// newlines are transport level pings and are silently dropped.
type LineReader struct {
	scanner *bufio.Scanner
}

// NewLineReader wraps a byte stream into a document reader.
func NewLineReader(r io.Reader) *LineReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), params.MaxFrameSize)
	return &LineReader{scanner: scanner}
}

// Read blocks until the next document arrives and decodes it.
func (lr *LineReader) Read(v interface{}) error {
	for lr.scanner.Scan() {
		line := lr.scanner.Bytes()
		if len(line) == 0 || (len(line) == 1 && line[0] == '\r') {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			return fmt.Errorf("malformed document: %w", err)
		}
		return nil
	}
	if err := lr.scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

// LineWriter encodes newline delimited JSON documents. It is safe for
// concurrent use.
type LineWriter struct {
	w    io.Writer
	lock sync.Mutex
}

// NewLineWriter wraps a byte stream into a document writer.
func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{w: w}
}

// Write encodes a document and sends it terminated by a newline.
func (lw *LineWriter) Write(v interface{}) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return err
	}
	lw.lock.Lock()
	defer lw.lock.Unlock()

	_, err = lw.w.Write(append(blob, '\n'))
	return err
}

// Ping sends a bare newline to keep intermediaries from timing out.
func (lw *LineWriter) Ping() error {
	lw.lock.Lock()
	defer lw.lock.Unlock()

	_, err := lw.w.Write([]byte{'\n'})
	return err
}

// FrameReader decodes length prefixed CBOR documents from a peer stream.
type FrameReader struct {
	r io.Reader
}

// NewFrameReader wraps a byte stream into a framed document reader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame reads the next raw frame without decoding it.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(fr.r, size[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(size[:])
	if n > params.MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	blob := make([]byte, n)
	if _, err := io.ReadFull(fr.r, blob); err != nil {
		return nil, err
	}
	return blob, nil
}

// Read reads the next frame and decodes it into a value.
func (fr *FrameReader) Read(v interface{}) error {
	blob, err := fr.ReadFrame()
	if err != nil {
		return err
	}
	return Unmarshal(blob, v)
}

// FrameWriter encodes length prefixed CBOR documents onto a peer stream. It is
// safe for concurrent use.
type FrameWriter struct {
	w    io.Writer
	lock sync.Mutex
}

// NewFrameWriter wraps a byte stream into a framed document writer.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame sends a raw frame with its length prefix in a single write.
func (fw *FrameWriter) WriteFrame(blob []byte) error {
	if len(blob) > params.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(blob))
	}
	frame := make([]byte, 4+len(blob))
	binary.BigEndian.PutUint32(frame, uint32(len(blob)))
	copy(frame[4:], blob)

	fw.lock.Lock()
	defer fw.lock.Unlock()

	_, err := fw.w.Write(frame)
	return err
}

// Write encodes a value and sends it as a frame.
func (fw *FrameWriter) Write(v interface{}) error {
	blob, err := Marshal(v)
	if err != nil {
		return err
	}
	return fw.WriteFrame(blob)
}
