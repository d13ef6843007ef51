package rtc

import "github.com/reachlabs/voicebridge/internal/core"

// frameMillis is the period of one audio frame across the pipeline:
// capture period, opus frame duration, and outbound sample duration.
const frameMillis = 20

func bytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return out
}

func int16ToFrame(samples []int16) core.Frame {
	out := make(core.Frame, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(uint16(s))
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}
