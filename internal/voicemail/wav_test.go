package voicemail

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"
)

// writeWAVHeader writes a canonical 44-byte header for the given format.
func writeWAVHeader(w io.Writer, format, channels uint16, sampleRate uint32, bits uint16, dataSize uint32) {
	blockAlign := channels * bits / 8
	var hdr [44]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], 36+dataSize)
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], format)
	binary.LittleEndian.PutUint16(hdr[22:24], channels)
	binary.LittleEndian.PutUint32(hdr[24:28], sampleRate)
	binary.LittleEndian.PutUint32(hdr[28:32], sampleRate*uint32(blockAlign))
	binary.LittleEndian.PutUint16(hdr[32:34], blockAlign)
	binary.LittleEndian.PutUint16(hdr[34:36], bits)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], dataSize)
	w.Write(hdr[:])
}

// makeWAV returns a 16-bit mono 8 kHz PCM recording of the given length.
func makeWAV(d time.Duration) []byte {
	size := uint32(d.Seconds() * 16000)
	var buf bytes.Buffer
	writeWAVHeader(&buf, FormatPCM, 1, 8000, 16, size)
	buf.Write(make([]byte, size))
	return buf.Bytes()
}

func TestParseWAV(t *testing.T) {
	info, err := ParseWAV(bytes.NewReader(makeWAV(2 * time.Second)))
	if err != nil {
		t.Fatalf("ParseWAV() error: %v", err)
	}
	if info.Format != FormatPCM || info.Channels != 1 || info.SampleRate != 8000 || info.BitsPerSample != 16 {
		t.Errorf("ParseWAV() fmt = %+v", info)
	}
	if info.ByteRate != 16000 || info.DataSize != 32000 {
		t.Errorf("ParseWAV() byteRate=%d dataSize=%d", info.ByteRate, info.DataSize)
	}
	if got := info.Duration(); got != 2*time.Second {
		t.Errorf("Duration() = %v, want 2s", got)
	}
}

func TestParseWAVSkipsExtraChunks(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	buf.WriteString("WAVE")

	// fmt chunk with the 2-byte extension used by G.711 files.
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(18))
	binary.Write(&buf, binary.LittleEndian, uint16(FormatULaw))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint32(8000))
	binary.Write(&buf, binary.LittleEndian, uint32(8000))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(8))
	binary.Write(&buf, binary.LittleEndian, uint16(0))

	// Odd-sized LIST chunk followed by its pad byte.
	buf.WriteString("LIST")
	binary.Write(&buf, binary.LittleEndian, uint32(3))
	buf.Write([]byte{'a', 'b', 'c', 0})

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(24000))
	buf.Write(make([]byte, 24000))

	got, err := WAVProber{}.Probe(&buf)
	if err != nil {
		t.Fatalf("Probe() error: %v", err)
	}
	if got != 3*time.Second {
		t.Errorf("Probe() = %v, want 3s", got)
	}
}

func TestParseWAVStreamingSize(t *testing.T) {
	var buf bytes.Buffer
	writeWAVHeader(&buf, FormatULaw, 1, 8000, 8, streamingSize)
	buf.Write(make([]byte, 4000))

	info, err := ParseWAV(&buf)
	if err != nil {
		t.Fatalf("ParseWAV() error: %v", err)
	}
	if info.DataSize != 4000 {
		t.Errorf("DataSize = %d, want counted 4000", info.DataSize)
	}
	if info.Duration() != 500*time.Millisecond {
		t.Errorf("Duration() = %v, want 500ms", info.Duration())
	}
}

func TestParseWAVErrors(t *testing.T) {
	truncated := makeWAV(time.Second)[:30]

	var zeroRate bytes.Buffer
	writeWAVHeader(&zeroRate, FormatPCM, 0, 0, 16, 100)

	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"mp3", []byte("ID3\x04\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00")},
		{"truncated", truncated},
		{"zero byte rate", zeroRate.Bytes()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseWAV(bytes.NewReader(tt.input)); err == nil {
				t.Error("ParseWAV() should fail")
			}
		})
	}

	if _, err := ParseWAV(bytes.NewReader([]byte("RIFF\x00\x00\x00\x00AVI "))); !errors.Is(err, ErrNotWAV) {
		t.Errorf("non-WAVE RIFF error = %v, want ErrNotWAV", err)
	}
}
