package rtc

import (
	"fmt"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"

	"github.com/reachlabs/voicebridge/internal/core"
)

// Capture owns the microphone device for one session. Frames are
// published to its feed as 16-bit LE mono PCM. When muted it keeps the
// clock running by publishing silence, so downstream consumers never
// see the stream stall.
type Capture struct {
	audioCtx *malgo.AllocatedContext
	device   *malgo.Device
	feed     *Feed
	muted    atomic.Bool
	closed   atomic.Bool
}

// NewCapture acquires the default capture device. A missing device or
// denied permission surfaces as ErrMediaUnavailable; the caller must
// not retry.
func NewCapture(sampleRate int) (*Capture, error) {
	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: init audio context: %v", core.ErrMediaUnavailable, err)
	}

	c := &Capture{
		audioCtx: audioCtx,
		feed:     NewFeed("mic"),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = frameMillis

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, samples []byte, _ uint32) {
			frame := make(core.Frame, len(samples))
			if !c.muted.Load() {
				copy(frame, samples)
			}
			c.feed.Publish(frame)
		},
	}

	device, err := malgo.InitDevice(audioCtx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = audioCtx.Uninit()
		return nil, fmt.Errorf("%w: init capture device: %v", core.ErrMediaUnavailable, err)
	}
	c.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = audioCtx.Uninit()
		return nil, fmt.Errorf("%w: start capture device: %v", core.ErrMediaUnavailable, err)
	}

	log.Info().Str("module", "rtc.capture").Int("sample_rate", sampleRate).Msg("microphone capture started")
	return c, nil
}

func (c *Capture) Feed() *Feed { return c.feed }

func (c *Capture) SetMuted(muted bool) {
	c.muted.Store(muted)
	log.Info().Str("module", "rtc.capture").Bool("muted", muted).Msg("mute toggled")
}

func (c *Capture) Muted() bool { return c.muted.Load() }

// Close releases the device. Idempotent.
func (c *Capture) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.device != nil {
		_ = c.device.Stop()
		c.device.Uninit()
	}
	if c.audioCtx != nil {
		_ = c.audioCtx.Uninit()
	}
	c.feed.Close()
	log.Info().Str("module", "rtc.capture").Msg("microphone capture released")
}
