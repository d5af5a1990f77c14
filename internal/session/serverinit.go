package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// PixelFormat is the RFB pixel format description.
type PixelFormat struct {
	BitsPerPixel uint8
	Depth        uint8
	BigEndian    bool
	TrueColor    bool
	RedMax       uint16
	GreenMax     uint16
	BlueMax      uint16
	RedShift     uint8
	GreenShift   uint8
	BlueShift    uint8
}

// PixelFormatSize is the size of a serialized [PixelFormat].
const PixelFormatSize = 16

// DefaultPixelFormat is 32 bpp, depth 24 true colour, little endian.
var DefaultPixelFormat = PixelFormat{
	BitsPerPixel: 32,
	Depth:        24,
	BigEndian:    false,
	TrueColor:    true,
	RedMax:       255,
	GreenMax:     255,
	BlueMax:      255,
	RedShift:     16,
	GreenShift:   8,
	BlueShift:    0,
}

// Marshal serializes the pixel format, including the three padding bytes.
func (pf PixelFormat) Marshal() []byte {
	out := make([]byte, PixelFormatSize)
	out[0] = pf.BitsPerPixel
	out[1] = pf.Depth
	out[2] = boolToByte(pf.BigEndian)
	out[3] = boolToByte(pf.TrueColor)
	binary.BigEndian.PutUint16(out[4:], pf.RedMax)
	binary.BigEndian.PutUint16(out[6:], pf.GreenMax)
	binary.BigEndian.PutUint16(out[8:], pf.BlueMax)
	out[10] = pf.RedShift
	out[11] = pf.GreenShift
	out[12] = pf.BlueShift
	return out
}

func boolToByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// ErrInvalidServerInit means the server init parameters cannot be serialized.
var ErrInvalidServerInit = errors.New("invalid server init")

// ServerInit describes the desktop a client is about to see.
type ServerInit struct {
	Width       uint16
	Height      uint16
	PixelFormat PixelFormat
	Name        string
}

// Marshal returns the RFB ServerInit message.
func (si *ServerInit) Marshal() ([]byte, error) {
	if si.Width == 0 || si.Height == 0 {
		return nil, fmt.Errorf("%w: empty geometry %dx%d", ErrInvalidServerInit, si.Width, si.Height)
	}
	if uint64(len(si.Name)) >= math.MaxUint32 {
		return nil, fmt.Errorf("%w: name too long", ErrInvalidServerInit)
	}
	out := make([]byte, 0, 4+PixelFormatSize+4+len(si.Name))
	out = binary.BigEndian.AppendUint16(out, si.Width)
	out = binary.BigEndian.AppendUint16(out, si.Height)
	out = append(out, si.PixelFormat.Marshal()...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(si.Name)))
	out = append(out, si.Name...)
	return out, nil
}
