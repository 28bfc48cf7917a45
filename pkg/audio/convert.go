package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Normalizer coerces inbound capture audio into the mono little-endian
// int16 PCM stream the transcription provider was opened with. Browsers
// capture at whatever the device offers (48kHz stereo being the usual),
// while the STT socket runs at one fixed mono rate, so every frame of a
// connection passes through one of these on its way in.
//
// A Normalizer carries per-stream logging state; create one per
// connection and do not share it across goroutines.
type Normalizer struct {
	// Rate is the sample rate the transcription stream expects.
	Rate int

	mismatchOnce sync.Once
	corruptOnce  sync.Once
}

// Normalize returns frame as mono PCM at n.Rate. Frames already in that
// format pass through without copying. A payload that is not
// int16-aligned is dropped (empty Data): a torn sample shifts everything
// after it by one byte and turns the rest of the frame into noise.
func (n *Normalizer) Normalize(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		n.corruptOnce.Do(func() {
			slog.Warn("audio: dropping misaligned PCM payload",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
		return AudioFrame{SampleRate: n.Rate, Channels: 1, Timestamp: frame.Timestamp}
	}

	channels := frame.Channels
	if channels <= 0 {
		// Clients that omit the channel count send mono in practice.
		channels = 1
	}
	if frame.SampleRate == n.Rate && channels == 1 {
		return frame
	}

	n.mismatchOnce.Do(func() {
		slog.Debug("audio: normalizing capture format",
			"from", describeFormat(frame.SampleRate, channels),
			"to", describeFormat(n.Rate, 1),
		)
	})

	// Fold channels before resampling so the interpolation only walks
	// one channel's worth of samples.
	pcm := DownmixMono(frame.Data, channels)
	pcm = Resample16(pcm, frame.SampleRate, n.Rate)

	return AudioFrame{
		Data:       pcm,
		SampleRate: n.Rate,
		Channels:   1,
		Timestamp:  frame.Timestamp,
	}
}

// DownmixMono folds interleaved int16 PCM with the given channel count
// down to mono by averaging the samples of each frame. The mean of
// in-range samples is itself in range, so no clamping is needed.
// Trailing bytes that do not fill a whole frame are discarded. Mono
// input is returned unchanged.
func DownmixMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := channels * 2
	frames := len(pcm) / stride
	out := make([]byte, frames*2)
	for i := range frames {
		base := i * stride
		var sum int32
		for c := range channels {
			sum += int32(sampleAt(pcm[base:], c))
		}
		avg := sum / int32(channels)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// Resample16 converts mono int16 PCM from srcRate to dstRate using
// linear interpolation. Interpolation is plenty for speech headed into
// a recognizer; audio destined for a human ear should be requested from
// the synthesis provider at the right rate instead. If the rates match
// or either is non-positive, the input is returned unchanged.
func Resample16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcN := len(pcm) / 2
	dstN := int(int64(srcN) * int64(dstRate) / int64(srcRate))
	if dstN == 0 {
		return nil
	}

	out := make([]byte, dstN*2)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstN {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)

		a := sampleAt(pcm, j)
		b := a
		if j+1 < srcN {
			b = sampleAt(pcm, j+1)
		}

		v := int16(float64(a)*(1-frac) + float64(b)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// sampleAt reads the i-th little-endian int16 sample from pcm.
func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

func describeFormat(rate, channels int) string {
	switch channels {
	case 1:
		return fmt.Sprintf("%dHz mono", rate)
	case 2:
		return fmt.Sprintf("%dHz stereo", rate)
	default:
		return fmt.Sprintf("%dHz %dch", rate, channels)
	}
}
