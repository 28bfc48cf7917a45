package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Container identifies the wire format of an incoming audio payload.
type Container int

const (
	// ContainerPCM is raw little-endian 16-bit PCM with no framing.
	ContainerPCM Container = iota

	// ContainerWAV is a RIFF/WAVE file; PCM samples live in its data chunk.
	ContainerWAV

	// ContainerWebM is an EBML/WebM blob, typically Opus from a browser
	// MediaRecorder. The pipeline forwards these opaquely to providers that
	// accept compressed input.
	ContainerWebM

	// ContainerOgg is an Ogg stream (OggS capture pattern).
	ContainerOgg
)

// String returns the lowercase wire name of the container.
func (c Container) String() string {
	switch c {
	case ContainerPCM:
		return "pcm"
	case ContainerWAV:
		return "wav"
	case ContainerWebM:
		return "webm"
	case ContainerOgg:
		return "ogg"
	default:
		return "unknown"
	}
}

var (
	riffMagic = []byte("RIFF")
	waveMagic = []byte("WAVE")
	ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}
	oggMagic  = []byte("OggS")
)

// SniffContainer classifies a payload by its magic bytes. Anything that is
// not a recognised container is treated as raw PCM, which is the common case
// for browser clients sending AudioWorklet output.
func SniffContainer(data []byte) Container {
	switch {
	case len(data) >= 12 && bytes.Equal(data[:4], riffMagic) && bytes.Equal(data[8:12], waveMagic):
		return ContainerWAV
	case len(data) >= 4 && bytes.Equal(data[:4], ebmlMagic):
		return ContainerWebM
	case len(data) >= 4 && bytes.Equal(data[:4], oggMagic):
		return ContainerOgg
	default:
		return ContainerPCM
	}
}

// WAVInfo holds the format fields parsed from a WAV fmt chunk.
type WAVInfo struct {
	// AudioFormat is the WAV codec tag; 1 means uncompressed PCM.
	AudioFormat uint16
	SampleRate  int
	Channels    int
	// BitsPerSample is the sample width; the pipeline only accepts 16.
	BitsPerSample int
}

// StripWAVHeader parses a RIFF/WAVE payload and returns the raw PCM samples
// from its data chunk along with the parsed format. It walks the chunk list
// rather than assuming a fixed 44-byte header, since encoders routinely
// insert LIST or fact chunks before the data chunk.
//
// Returns an error if the payload is not a WAV file, the fmt chunk is missing
// or malformed, or no data chunk is present.
func StripWAVHeader(data []byte) ([]byte, WAVInfo, error) {
	var info WAVInfo
	if SniffContainer(data) != ContainerWAV {
		return nil, info, fmt.Errorf("audio: not a RIFF/WAVE payload")
	}

	// Chunks start after the 12-byte RIFF header. Each chunk is an 8-byte
	// id+size header followed by size bytes, padded to an even offset.
	var pcm []byte
	haveFmt := false
	offset := 12
	for offset+8 <= len(data) {
		id := data[offset : offset+4]
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if size < 0 || body+size > len(data) {
			// Some encoders stream WAV with a placeholder size; clamp to
			// what we actually have.
			size = len(data) - body
		}

		switch string(id) {
		case "fmt ":
			if size < 16 {
				return nil, info, fmt.Errorf("audio: wav fmt chunk too short (%d bytes)", size)
			}
			info.AudioFormat = binary.LittleEndian.Uint16(data[body : body+2])
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true
		case "data":
			pcm = data[body : body+size]
		}

		offset = body + size
		if size%2 == 1 {
			offset++ // chunks are word-aligned
		}

		if haveFmt && pcm != nil {
			break
		}
	}

	if !haveFmt {
		return nil, info, fmt.Errorf("audio: wav payload missing fmt chunk")
	}
	if pcm == nil {
		return nil, info, fmt.Errorf("audio: wav payload missing data chunk")
	}
	return pcm, info, nil
}
