// Package bytesx provides functions operating on bytes.
//
// Specifically we implement these operations:
//
// 1. generating random bytes;
//
// 2. big-endian integer reading and writing;
//
// 3. encoding and decoding of the length-prefixed byte arrays and
// UTF-16 strings used by the Qt data stream format.
package bytesx

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/text/encoding/unicode"
)

var (
	// ErrEncodeString indicates a string encoding error occurred.
	ErrEncodeString = errors.New("can't encode string")

	// ErrDecodeString indicates a string decoding error occurred.
	ErrDecodeString = errors.New("can't decode string")

	// ErrShortBuffer indicates that the buffer ended before the value did.
	ErrShortBuffer = errors.New("short buffer")
)

// NullLength is the length prefix marking a null byte array or string.
const NullLength = math.MaxUint32

// utf16BE is the encoding used for strings on the wire.
var utf16BE = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// GenRandomBytes returns an array of bytes with the given size using
// a CSRNG, on success, or an error, in case of failure.
func GenRandomBytes(size int) ([]byte, error) {
	b := make([]byte, size)
	_, err := rand.Read(b)
	return b, err
}

// ReadUint32 is a convenience function that reads a uint32 from a 4-byte
// buffer, returning an error if the operation failed.
func ReadUint32(buf *bytes.Buffer) (uint32, error) {
	var numBuf [4]byte
	if _, err := io.ReadFull(buf, numBuf[:]); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrShortBuffer, err.Error())
	}
	return binary.BigEndian.Uint32(numBuf[:]), nil
}

// WriteUint32 is a convenience function that appends to the given buffer
// 4 bytes containing the big-endian representation of the given uint32 value.
func WriteUint32(buf *bytes.Buffer, val uint32) {
	var numBuf [4]byte
	binary.BigEndian.PutUint32(numBuf[:], val)
	buf.Write(numBuf[:])
}

// ReadByteArray reads a length-prefixed byte array. A [NullLength] prefix
// yields a nil slice.
func ReadByteArray(buf *bytes.Buffer) ([]byte, error) {
	length, err := ReadUint32(buf)
	if err != nil {
		return nil, err
	}
	if length == NullLength {
		return nil, nil
	}
	if uint64(length) > uint64(buf.Len()) {
		return nil, fmt.Errorf("%w: want %d bytes, have %d", ErrShortBuffer, length, buf.Len())
	}
	out := make([]byte, length)
	copy(out, buf.Next(int(length)))
	return out, nil
}

// WriteByteArray appends a length-prefixed byte array. A nil slice is
// written as a null array.
func WriteByteArray(buf *bytes.Buffer, data []byte) {
	if data == nil {
		WriteUint32(buf, NullLength)
		return
	}
	WriteUint32(buf, uint32(len(data)))
	buf.Write(data)
}

// EncodeStringUTF16 returns the UTF-16BE representation of s.
func EncodeStringUTF16(s string) ([]byte, error) {
	out, err := utf16BE.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEncodeString, err.Error())
	}
	if uint64(len(out)) >= NullLength {
		return nil, fmt.Errorf("%w: string too large", ErrEncodeString)
	}
	return out, nil
}

// DecodeStringUTF16 decodes the UTF-16BE bytes in b.
func DecodeStringUTF16(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", fmt.Errorf("%w: odd number of bytes", ErrDecodeString)
	}
	out, err := utf16BE.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrDecodeString, err.Error())
	}
	return string(out), nil
}

// ReadString reads a length-prefixed UTF-16BE string. Null strings
// are returned as the empty string.
func ReadString(buf *bytes.Buffer) (string, error) {
	raw, err := ReadByteArray(buf)
	if err != nil {
		return "", err
	}
	return DecodeStringUTF16(raw)
}

// WriteString appends s as a length-prefixed UTF-16BE string.
func WriteString(buf *bytes.Buffer, s string) error {
	raw, err := EncodeStringUTF16(s)
	if err != nil {
		return err
	}
	WriteUint32(buf, uint32(len(raw)))
	buf.Write(raw)
	return nil
}
