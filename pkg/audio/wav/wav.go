// Package wav synthesizes and parses the canonical 44-byte linear-PCM RIFF
// container.
//
// The transport only carries raw samples, but decoders want a self-describing
// buffer. [Encode] prepends the minimal header to one or more raw PCM buffers;
// [Decode] is the matching decoder used by the playback engine.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/MrWong99/parley/pkg/audio"
)

// HeaderSize is the fixed length of the canonical PCM header.
const HeaderSize = 44

const formatPCM = 1

var (
	// ErrTruncated is returned when the input is shorter than its header
	// declares.
	ErrTruncated = errors.New("wav: truncated container")

	// ErrNotRIFF is returned when the RIFF/WAVE/fmt/data identifiers are
	// missing or misplaced.
	ErrNotRIFF = errors.New("wav: not a canonical RIFF/WAVE container")

	// ErrUnsupportedFormat is returned for non-PCM or non-16-bit payloads.
	ErrUnsupportedFormat = errors.New("wav: unsupported sample format")
)

// Params describes the raw PCM carried by a container.
type Params struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// PCM16 returns Params for 16-bit PCM in the given format.
func PCM16(f audio.Format) Params {
	return Params{SampleRate: f.SampleRate, Channels: f.Channels, BitsPerSample: 16}
}

// BlockAlign returns bytes per sample frame.
func (p Params) BlockAlign() int {
	return p.Channels * p.BitsPerSample / 8
}

// ByteRate returns bytes per second.
func (p Params) ByteRate() int {
	return p.SampleRate * p.BlockAlign()
}

// AppendHeader appends the 44-byte header for dataLen bytes of PCM to dst.
func AppendHeader(dst []byte, dataLen int, p Params) []byte {
	dst = append(dst, "RIFF"...)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(36+dataLen))
	dst = append(dst, "WAVE"...)
	dst = append(dst, "fmt "...)
	dst = binary.LittleEndian.AppendUint32(dst, 16)
	dst = binary.LittleEndian.AppendUint16(dst, formatPCM)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(p.Channels))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(p.SampleRate))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(p.ByteRate()))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(p.BlockAlign()))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(p.BitsPerSample))
	dst = append(dst, "data"...)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(dataLen))
	return dst
}

// Encode returns a container holding the concatenation of chunks.
func Encode(p Params, chunks ...[]byte) []byte {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	out := make([]byte, 0, HeaderSize+n)
	out = AppendHeader(out, n, p)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// Header is the parsed form of a canonical header.
type Header struct {
	Params
	DataLen int
}

// ParseHeader validates the first 44 bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes, header needs %d", ErrTruncated, len(b), HeaderSize)
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" ||
		string(b[12:16]) != "fmt " || string(b[36:40]) != "data" {
		return Header{}, ErrNotRIFF
	}
	if sz := binary.LittleEndian.Uint32(b[16:20]); sz != 16 {
		return Header{}, fmt.Errorf("%w: fmt chunk size %d", ErrNotRIFF, sz)
	}
	if f := binary.LittleEndian.Uint16(b[20:22]); f != formatPCM {
		return Header{}, fmt.Errorf("%w: format tag %d", ErrUnsupportedFormat, f)
	}
	h := Header{
		Params: Params{
			Channels:      int(binary.LittleEndian.Uint16(b[22:24])),
			SampleRate:    int(binary.LittleEndian.Uint32(b[24:28])),
			BitsPerSample: int(binary.LittleEndian.Uint16(b[34:36])),
		},
		DataLen: int(binary.LittleEndian.Uint32(b[40:44])),
	}
	if h.Channels == 0 || h.SampleRate == 0 {
		return Header{}, fmt.Errorf("%w: %d channels at %dHz", ErrUnsupportedFormat, h.Channels, h.SampleRate)
	}
	if got := int(binary.LittleEndian.Uint16(b[32:34])); got != h.BlockAlign() {
		return Header{}, fmt.Errorf("%w: block align %d, want %d", ErrNotRIFF, got, h.BlockAlign())
	}
	if got := int(binary.LittleEndian.Uint32(b[28:32])); got != h.ByteRate() {
		return Header{}, fmt.Errorf("%w: byte rate %d, want %d", ErrNotRIFF, got, h.ByteRate())
	}
	return h, nil
}

// Decode parses a 16-bit PCM container into a frame. The returned frame
// aliases b.
func Decode(b []byte) (audio.AudioFrame, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return audio.AudioFrame{}, err
	}
	if h.BitsPerSample != 16 {
		return audio.AudioFrame{}, fmt.Errorf("%w: %d bits per sample", ErrUnsupportedFormat, h.BitsPerSample)
	}
	if len(b)-HeaderSize < h.DataLen {
		return audio.AudioFrame{}, fmt.Errorf("%w: data declares %d bytes, have %d", ErrTruncated, h.DataLen, len(b)-HeaderSize)
	}
	if h.DataLen%h.BlockAlign() != 0 {
		return audio.AudioFrame{}, fmt.Errorf("%w: %d data bytes is not a whole number of frames", ErrTruncated, h.DataLen)
	}
	return audio.AudioFrame{
		Data:       b[HeaderSize : HeaderSize+h.DataLen],
		SampleRate: h.SampleRate,
		Channels:   h.Channels,
	}, nil
}
