// Package audio provides PCM utilities for the voice pipeline: format
// conversion (resampling and channel mixing), WAV container handling, and
// stream helpers.
//
// Audio enters the pipeline as little-endian 16-bit PCM frames. Browsers may
// wrap captured audio in a WAV container or send compressed WebM/Opus blobs;
// [SniffContainer] classifies the payload and [StripWAVHeader] unwraps WAV
// data so the rest of the pipeline only ever sees raw PCM.
package audio

import "github.com/Sniperthink-v1/Voice-Ai-Pipeline/pkg/types"

// AudioFrame is the unit of audio transport throughout the pipeline. It is an
// alias for [types.AudioFrame] so converter output can flow directly into
// provider adapters without copying.
type AudioFrame = types.AudioFrame
