package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

// buildWAV assembles a minimal PCM RIFF container with the given byte rate
// and payload size.
func buildWAV(byteRate, dataSize uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))  // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1))  // mono
	binary.Write(&buf, binary.LittleEndian, uint32(16000))
	binary.Write(&buf, binary.LittleEndian, byteRate)
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize)
	buf.Write(make([]byte, dataSize))
	return buf.Bytes()
}

func TestWAVDuration(t *testing.T) {
	// 32000 B/s over 1440000 bytes = 45 seconds.
	data := buildWAV(32000, 1440000)
	got := Duration("clip.wav", data)
	if math.Abs(got-45) > 0.01 {
		t.Fatalf("duration = %v, want 45", got)
	}
}

func TestUnreadableFallsBack(t *testing.T) {
	if got := Duration("clip.ogg", []byte("not audio at all")); got != DefaultDurationSec {
		t.Fatalf("unreadable clip must fall back to %v, got %v", DefaultDurationSec, got)
	}
	if got := Duration("clip.wav", []byte("RIFF????WAVE")); got != DefaultDurationSec {
		t.Fatalf("truncated wav must fall back, got %v", got)
	}
}

func TestEmptyMP3FallsBack(t *testing.T) {
	// An ID3 tag with no frames behind it carries no decodable audio.
	if got := Duration("clip.mp3", []byte("ID3\x04\x00\x00\x00\x00\x00\x00")); got != DefaultDurationSec {
		t.Fatalf("frameless mp3 must fall back, got %v", got)
	}
}
