package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/audio"
)

// buildWAV assembles a minimal RIFF/WAVE payload around pcm with the given
// format, optionally inserting an extra chunk before the data chunk.
func buildWAV(pcm []byte, sampleRate, channels int, extraChunk bool) []byte {
	var buf []byte
	appendU32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	appendU16 := func(v uint16) {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], v)
		buf = append(buf, b[:]...)
	}

	buf = append(buf, "RIFF"...)
	appendU32(0) // overall size, unused by the parser
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	appendU32(16)
	appendU16(1) // PCM
	appendU16(uint16(channels))
	appendU32(uint32(sampleRate))
	appendU32(uint32(sampleRate * channels * 2)) // byte rate
	appendU16(uint16(channels * 2))              // block align
	appendU16(16)                                // bits per sample

	if extraChunk {
		buf = append(buf, "LIST"...)
		appendU32(4)
		buf = append(buf, "INFO"...)
	}

	buf = append(buf, "data"...)
	appendU32(uint32(len(pcm)))
	buf = append(buf, pcm...)
	return buf
}

func TestSniffContainer(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want audio.Container
	}{
		{"wav", buildWAV([]byte{1, 0, 2, 0}, 16000, 1, false), audio.ContainerWAV},
		{"webm", []byte{0x1A, 0x45, 0xDF, 0xA3, 0x00, 0x00}, audio.ContainerWebM},
		{"ogg", []byte("OggS\x00\x02junk"), audio.ContainerOgg},
		{"raw pcm", []byte{0x10, 0x00, 0x20, 0x00}, audio.ContainerPCM},
		{"short", []byte{0x52}, audio.ContainerPCM},
		{"empty", nil, audio.ContainerPCM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := audio.SniffContainer(tt.data); got != tt.want {
				t.Errorf("SniffContainer() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStripWAVHeader(t *testing.T) {
	pcm := []byte{0x10, 0x00, 0x20, 0x00, 0x30, 0x00}
	wav := buildWAV(pcm, 16000, 1, false)

	got, info, err := audio.StripWAVHeader(wav)
	if err != nil {
		t.Fatalf("StripWAVHeader: %v", err)
	}
	if string(got) != string(pcm) {
		t.Errorf("pcm mismatch: got %v, want %v", got, pcm)
	}
	if info.SampleRate != 16000 {
		t.Errorf("sample rate: got %d, want 16000", info.SampleRate)
	}
	if info.Channels != 1 {
		t.Errorf("channels: got %d, want 1", info.Channels)
	}
	if info.BitsPerSample != 16 {
		t.Errorf("bits per sample: got %d, want 16", info.BitsPerSample)
	}
	if info.AudioFormat != 1 {
		t.Errorf("audio format: got %d, want 1 (PCM)", info.AudioFormat)
	}
}

func TestStripWAVHeader_ExtraChunkBeforeData(t *testing.T) {
	pcm := []byte{0xAA, 0x00, 0xBB, 0x00}
	wav := buildWAV(pcm, 48000, 2, true)

	got, info, err := audio.StripWAVHeader(wav)
	if err != nil {
		t.Fatalf("StripWAVHeader: %v", err)
	}
	if string(got) != string(pcm) {
		t.Errorf("pcm mismatch: got %v, want %v", got, pcm)
	}
	if info.SampleRate != 48000 || info.Channels != 2 {
		t.Errorf("format: got %dHz %dch, want 48000Hz 2ch", info.SampleRate, info.Channels)
	}
}

func TestStripWAVHeader_NotWAV(t *testing.T) {
	if _, _, err := audio.StripWAVHeader([]byte{0x10, 0x00, 0x20, 0x00}); err == nil {
		t.Error("expected error for raw PCM input")
	}
}

func TestStripWAVHeader_MissingData(t *testing.T) {
	// A WAV with only a fmt chunk and no data chunk.
	wav := buildWAV(nil, 16000, 1, false)
	wav = wav[:len(wav)-8] // cut the empty data chunk header
	if _, _, err := audio.StripWAVHeader(wav); err == nil {
		t.Error("expected error for missing data chunk")
	}
}

func TestStripWAVHeader_OversizedDeclaredLength(t *testing.T) {
	// Streamed WAV files often declare a placeholder data size larger than
	// the bytes actually present; the parser should clamp, not error.
	pcm := []byte{0x01, 0x00, 0x02, 0x00}
	wav := buildWAV(pcm, 16000, 1, false)
	// Inflate the declared data size beyond the real payload.
	binary.LittleEndian.PutUint32(wav[len(wav)-len(pcm)-4:], 0xFFFF)

	got, _, err := audio.StripWAVHeader(wav)
	if err != nil {
		t.Fatalf("StripWAVHeader: %v", err)
	}
	if string(got) != string(pcm) {
		t.Errorf("pcm mismatch: got %v, want %v", got, pcm)
	}
}
