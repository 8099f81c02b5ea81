// Package protocol implements the binary frame protocol used by socket endpoints.
//
// It solves TCP's sticky packet problem by using a fixed-size 19-byte header
// followed by a variable-length body. The receiver reads the header first to
// determine the body length, then reads exactly that many bytes. Bodies above a
// threshold may be compressed; the header records the algorithm and the raw size.
//
// Frame format:
//
//	0      3  4  5  6  7         11        15        19
//	┌──────┬──┬──┬──┬──┬─────────┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│cz│   seq   │ bodyLen │ rawLen  │    body ...    │
//	│ wrp  │01│  │  │  │ uint32  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴──┴─────────┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "wrp" (worker-rpc protocol).
// Used to reject non-protocol connections early.
const (
	MagicNumber byte = 0x77 // 'w'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 19 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 1 (compression) + 4 (seq) + 4 (bodyLen) + 4 (rawLen)
)

// MaxBodySize bounds a single frame body (compressed or not).
const MaxBodySize = 64 << 20

// MsgType distinguishes envelope and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // request envelope
	MsgTypeResponse  MsgType = 1 // response envelope
	MsgTypeHeartbeat MsgType = 2 // keepalive frame (no body)
	MsgTypeNotify    MsgType = 3 // notification envelope
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON byte = 0
	CodecTypeCBOR byte = 1
)

// Header represents the fixed 19-byte frame header.
type Header struct {
	CodecType   byte           // value codec used inside the envelope: 0=JSON, 1=CBOR
	MsgType     MsgType        // Request, Response, Notify or Heartbeat
	Compression CompressionTag // algorithm applied to the body
	Seq         uint32         // correlation id of the carried envelope
	BodyLen     uint32         // body length on the wire
	RawLen      uint32         // body length after decompression
}

// Writer compresses and frames bodies.
type Writer struct {
	Compression CompressionTag // algorithm to try for large bodies
	Threshold   int            // bodies shorter than this are sent as is
}

// Encode writes a complete frame (header + body) to w, compressing the body when
// it is at least Threshold bytes and compression actually shrinks it.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different envelopes will interleave and corrupt the stream.
func (fw Writer) Encode(w io.Writer, h *Header, body []byte) error {
	h.Compression = CompressionNone
	h.RawLen = uint32(len(body))

	if fw.Compression != CompressionNone && len(body) >= fw.Threshold && len(body) > 0 {
		compressed, err := Compress(body, fw.Compression)
		switch {
		case err == nil:
			body = compressed
			h.Compression = fw.Compression
		case err == errIncompressible:
			// keep the raw body
		default:
			return err
		}
	}
	h.BodyLen = uint32(len(body))

	return Encode(w, h, body)
}

// Encode writes a complete frame (header + body) to w without compression. The
// header's BodyLen and RawLen must already describe body.
func Encode(w io.Writer, h *Header, body []byte) error {
	if len(body) > MaxBodySize {
		return fmt.Errorf("frame body too large: %d bytes", len(body))
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(body))

	// Magic number: 3 bytes, protocol identification
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	// Version: 1 byte, for future protocol upgrades
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	buf[6] = byte(h.Compression)
	// Sequence number and lengths: big-endian (network byte order)
	binary.BigEndian.PutUint32(buf[7:11], h.Seq)
	binary.BigEndian.PutUint32(buf[11:15], h.BodyLen)
	binary.BigEndian.PutUint32(buf[15:19], h.RawLen)

	// One Write per frame so that a frame is never split across writers.
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r and returns the
// decompressed body.
// It validates the magic number, version, codec type, message type and sizes.
// Uses io.ReadFull to guarantee exactly N bytes are read, preventing partial reads.
func Decode(r io.Reader) (*Header, []byte, error) {
	// Step 1: Read the fixed header
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	// Step 2: Validate magic number, reject non-protocol connections
	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}

	// Step 3: Validate version
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	// Step 4: Validate codec type
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeCBOR {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}

	// Step 5: Validate message type
	msgType := MsgType(headerBuf[5])
	switch msgType {
	case MsgTypeRequest, MsgTypeResponse, MsgTypeHeartbeat, MsgTypeNotify:
	default:
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	h := &Header{
		CodecType:   headerBuf[4],
		MsgType:     msgType,
		Compression: CompressionTag(headerBuf[6]),
		Seq:         binary.BigEndian.Uint32(headerBuf[7:11]),
		BodyLen:     binary.BigEndian.Uint32(headerBuf[11:15]),
		RawLen:      binary.BigEndian.Uint32(headerBuf[15:19]),
	}
	if h.BodyLen > MaxBodySize || h.RawLen > MaxBodySize {
		return nil, nil, fmt.Errorf("frame body too large: %d bytes (raw %d)", h.BodyLen, h.RawLen)
	}

	// Step 6: Read exactly bodyLen bytes
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	// Step 7: Undo compression
	raw, err := Decompress(body, h.Compression, int(h.RawLen))
	if err != nil {
		return nil, nil, err
	}
	return h, raw, nil
}
