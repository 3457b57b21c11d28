// Package htcp implements the HTCP CLR request wire format used to purge
// entries from cache servers (RFC 2756).
package htcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrURITooLong is returned when a URI does not fit the 16-bit length fields.
	ErrURITooLong = errors.New("uri too long for htcp packet")

	// ErrInvalidPacket is returned when a buffer is not a well-formed CLR request.
	ErrInvalidPacket = errors.New("invalid htcp packet")
)

// Protocol constants
const (
	// OpCLR is the CLR opcode with the response flag cleared.
	OpCLR uint8 = 4

	// Method is the request method carried in every CLR specifier.
	// HEAD and GET are equivalent for purging.
	Method = "HEAD"

	// Version is the HTTP version carried in every CLR specifier.
	Version = "HTTP/1.0"

	// AuthMarker is the trailing AUTH length field (an empty AUTH section).
	AuthMarker uint16 = 2

	// headerSize covers total length, version and data length.
	headerSize = 6

	// dataHeaderSize covers opcode, flags and transaction id.
	dataHeaderSize = 6

	// overhead is every byte of the packet except the URI itself.
	overhead = 4 + 8 + 2 + (2 + 4 + 2 + 2 + 8 + 2) + 2

	// MaxURILength is the largest URI that still fits the total length field.
	MaxURILength = math.MaxUint16 - overhead
)

// Lengths holds the three computed length fields of a CLR packet.
type Lengths struct {
	Specifier int
	Data      int
	Total     int
}

// ComputeLengths returns the length fields for a URI of uriLen bytes.
// It does not check them against the field width.
func ComputeLengths(uriLen int) Lengths {
	spec := 2 + len(Method) + 2 + uriLen + 2 + len(Version) + 2
	data := 8 + 2 + spec
	return Lengths{
		Specifier: spec,
		Data:      data,
		Total:     4 + data + 2,
	}
}

// EncodedLen returns the total packet length for a URI of uriLen bytes.
func EncodedLen(uriLen int) int {
	return ComputeLengths(uriLen).Total
}

// Encode builds a CLR request for uri with the given transaction id.
// The URI is written as raw bytes.
func Encode(uri string, txID uint32) ([]byte, error) {
	n := len(uri)
	l := ComputeLengths(n)
	if l.Total > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrURITooLong, n, MaxURILength)
	}

	buf := make([]byte, l.Total)

	binary.BigEndian.PutUint16(buf[0:2], uint16(l.Total))
	// Major-minor version stays 0.
	binary.BigEndian.PutUint16(buf[4:6], uint16(l.Data))
	buf[6] = OpCLR
	buf[7] = 0
	binary.BigEndian.PutUint32(buf[8:12], txID)

	// CLR specifier, reason 0
	offset := 14
	offset = putCountStr(buf, offset, Method)
	offset = putCountStr(buf, offset, uri)
	offset = putCountStr(buf, offset, Version)

	// Empty REQ-HDRS, used as padding
	offset += 2

	binary.BigEndian.PutUint16(buf[offset:], AuthMarker)

	return buf, nil
}

func putCountStr(buf []byte, offset int, s string) int {
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(s)))
	offset += 2
	copy(buf[offset:], s)
	return offset + len(s)
}

// Request is a decoded CLR request.
type Request struct {
	Length        uint16
	Major         uint8
	Minor         uint8
	DataLength    uint16
	Opcode        uint8
	Response      bool
	Flags         uint8
	TransactionID uint32
	Reason        uint8
	Method        string
	URI           string
	Version       string
	Headers       string
}

// String returns a debug representation of the request.
func (r *Request) String() string {
	return fmt.Sprintf("CLR{TxID=%d, Method=%s, URI=%q, Version=%s, Length=%d}",
		r.TransactionID, r.Method, r.URI, r.Version, r.Length)
}

// Decode parses a CLR request as produced by Encode.
func Decode(buf []byte) (*Request, error) {
	if len(buf) < headerSize+dataHeaderSize {
		return nil, fmt.Errorf("%w: header too short", ErrInvalidPacket)
	}

	r := &Request{
		Length:     binary.BigEndian.Uint16(buf[0:2]),
		Major:      buf[2],
		Minor:      buf[3],
		DataLength: binary.BigEndian.Uint16(buf[4:6]),
	}

	if int(r.Length) != len(buf) {
		return nil, fmt.Errorf("%w: length field %d, buffer %d", ErrInvalidPacket, r.Length, len(buf))
	}
	if int(r.DataLength)+4+2 > len(buf) {
		return nil, fmt.Errorf("%w: data length %d exceeds packet", ErrInvalidPacket, r.DataLength)
	}

	r.Opcode = buf[6] & 0x0f
	r.Response = buf[6]&0x10 != 0
	r.Flags = buf[7]
	r.TransactionID = binary.BigEndian.Uint32(buf[8:12])

	if r.Opcode != OpCLR {
		return nil, fmt.Errorf("%w: opcode %d is not CLR", ErrInvalidPacket, r.Opcode)
	}

	end := 4 + int(r.DataLength)
	if end < 14 {
		return nil, fmt.Errorf("%w: data length %d too short", ErrInvalidPacket, r.DataLength)
	}
	r.Reason = buf[13] & 0x0f

	offset := 14
	var err error
	if r.Method, offset, err = readCountStr(buf[:end], offset); err != nil {
		return nil, fmt.Errorf("%w: method: %v", ErrInvalidPacket, err)
	}
	if r.URI, offset, err = readCountStr(buf[:end], offset); err != nil {
		return nil, fmt.Errorf("%w: uri: %v", ErrInvalidPacket, err)
	}
	if r.Version, offset, err = readCountStr(buf[:end], offset); err != nil {
		return nil, fmt.Errorf("%w: version: %v", ErrInvalidPacket, err)
	}
	if r.Headers, _, err = readCountStr(buf[:end], offset); err != nil {
		return nil, fmt.Errorf("%w: headers: %v", ErrInvalidPacket, err)
	}

	return r, nil
}

func readCountStr(buf []byte, offset int) (string, int, error) {
	if offset+2 > len(buf) {
		return "", offset, errors.New("truncated length")
	}
	n := int(binary.BigEndian.Uint16(buf[offset:]))
	offset += 2
	if offset+n > len(buf) {
		return "", offset, fmt.Errorf("truncated string of %d bytes", n)
	}
	return string(buf[offset : offset+n]), offset + n, nil
}
