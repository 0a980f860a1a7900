package voicemail

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// WAV audio format codes seen on PBX recordings.
const (
	FormatPCM  = 1
	FormatALaw = 6
	FormatULaw = 7
)

// riffHeaderSize covers "RIFF", the chunk size and "WAVE".
const riffHeaderSize = 12

// streamingSize is written by recorders that never patch the header.
const streamingSize = 0xFFFFFFFF

var ErrNotWAV = errors.New("not a RIFF/WAVE stream")

// WAVInfo describes the fmt and data chunks of a WAV stream.
type WAVInfo struct {
	Format        uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BitsPerSample uint16
	DataSize      int64
}

// Duration is the playing time of the data chunk.
func (w WAVInfo) Duration() time.Duration {
	if w.ByteRate == 0 {
		return 0
	}
	return time.Duration(w.DataSize) * time.Second / time.Duration(w.ByteRate)
}

// ParseWAV reads chunk headers from r until it has both fmt and data. When
// the data chunk carries the streaming placeholder size the rest of r is
// counted instead.
func ParseWAV(r io.Reader) (WAVInfo, error) {
	var info WAVInfo

	var riff [riffHeaderSize]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return info, fmt.Errorf("%w: %v", ErrNotWAV, err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return info, ErrNotWAV
	}

	haveFmt := false
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return info, fmt.Errorf("reading chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return info, fmt.Errorf("fmt chunk too short: %d bytes", size)
			}
			var f [16]byte
			if _, err := io.ReadFull(r, f[:]); err != nil {
				return info, fmt.Errorf("reading fmt chunk: %w", err)
			}
			info.Format = binary.LittleEndian.Uint16(f[0:2])
			info.Channels = binary.LittleEndian.Uint16(f[2:4])
			info.SampleRate = binary.LittleEndian.Uint32(f[4:8])
			info.ByteRate = binary.LittleEndian.Uint32(f[8:12])
			info.BitsPerSample = binary.LittleEndian.Uint16(f[14:16])
			if err := skip(r, int64(size-16)+int64(size&1)); err != nil {
				return info, err
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return info, errors.New("data chunk before fmt chunk")
			}
			if size == streamingSize {
				n, err := io.Copy(io.Discard, r)
				if err != nil {
					return info, fmt.Errorf("counting streamed data: %w", err)
				}
				info.DataSize = n
			} else {
				info.DataSize = int64(size)
			}
			if info.ByteRate == 0 {
				return info, errors.New("fmt chunk has zero byte rate")
			}
			return info, nil

		default:
			// LIST, fact and friends. Chunks are word aligned.
			if err := skip(r, int64(size)+int64(size&1)); err != nil {
				return info, err
			}
		}
	}
}

func skip(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("skipping %d bytes: %w", n, err)
	}
	return nil
}

// WAVProber measures recordings by reading their RIFF header.
type WAVProber struct{}

// Probe returns the playing time of the WAV stream in r.
func (WAVProber) Probe(r io.Reader) (time.Duration, error) {
	info, err := ParseWAV(r)
	if err != nil {
		return 0, err
	}
	return info.Duration(), nil
}
