// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_audio

import (
	"encoding/binary"
	"math"
)

// Default stream format: 16 kHz mono 16-bit PCM. Session metadata can
// override the rate and channel count; the sample width cannot change.
const (
	DefaultSampleRateHz = 16_000
	DefaultChannels     = 1
	BytesPerSample      = 2
	FrameDurationMs     = 20
)

// RMSPcm16 computes the root-mean-square energy of little-endian 16-bit PCM.
// A trailing odd byte is ignored. Returns 0 for empty input.
func RMSPcm16(pcm []byte, channels int) float64 {
	if channels < 1 {
		channels = 1
	}
	sampleCount := len(pcm) / BytesPerSample
	if sampleCount == 0 {
		return 0
	}

	var sumSquares float64
	for i := 0; i < sampleCount; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
		sumSquares += float64(sample) * float64(sample)
	}
	return math.Sqrt(sumSquares / float64(sampleCount))
}

// DurationMs converts a PCM byte count to milliseconds for the given format.
// Zero or negative rate/channels fall back to the defaults.
func DurationMs(byteCount, sampleRateHz, channels int) float64 {
	if sampleRateHz <= 0 {
		sampleRateHz = DefaultSampleRateHz
	}
	if channels <= 0 {
		channels = DefaultChannels
	}
	samples := float64(byteCount) / float64(BytesPerSample*channels)
	return samples / float64(sampleRateHz) * 1000.0
}

// FrameBytes derives the per-frame byte size for 20 ms frames:
// rate × channels × 2 bytes × 20 ms.
func FrameBytes(sampleRateHz, channels int) int {
	if sampleRateHz <= 0 {
		sampleRateHz = DefaultSampleRateHz
	}
	if channels <= 0 {
		channels = DefaultChannels
	}
	return sampleRateHz / 1000 * FrameDurationMs * channels * BytesPerSample
}

// SilenceFrame returns a zeroed PCM buffer covering durationMs of audio in
// the given format. Used for tail padding at stream shutdown.
func SilenceFrame(durationMs, sampleRateHz, channels int) []byte {
	if sampleRateHz <= 0 {
		sampleRateHz = DefaultSampleRateHz
	}
	if channels <= 0 {
		channels = DefaultChannels
	}
	byteCount := sampleRateHz / 1000 * durationMs * channels * BytesPerSample
	return make([]byte, byteCount)
}
