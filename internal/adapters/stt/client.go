// Package stt streams PCM audio to the speech-to-text service and
// yields finalized transcripts.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/reachlabs/voicebridge/internal/core"
)

const (
	writeDeadline = 5 * time.Second
	readLimit     = 1 << 20
)

// Client dials one streaming connection per Stream call. The service
// expects raw 16-bit LE PCM binary frames and answers with JSON
// messages distinguishing partial from final transcripts.
type Client struct {
	endpoint   string
	sampleRate int
}

func NewClient(endpoint string, sampleRate int) *Client {
	return &Client{endpoint: endpoint, sampleRate: sampleRate}
}

type serviceMessage struct {
	MessageType string `json:"message_type"`
	Text        string `json:"text"`
}

// Stream forwards pcm frames until ctx is cancelled, the input closes,
// or the socket drops. Final transcripts are delivered on finals in
// arrival order. The finals channel is not closed; the caller owns it.
func (c *Client) Stream(ctx context.Context, token string, pcm <-chan core.Frame, finals chan<- string) error {
	q := url.Values{
		"sample_rate": {fmt.Sprintf("%d", c.sampleRate)},
		"token":       {token},
	}
	endpoint := c.endpoint + "?" + q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", core.ErrTranscriptionUnavailable, err)
	}
	conn.SetReadLimit(readLimit)
	log.Info().Str("module", "stt").Msg("transcription stream connected")

	done := make(chan struct{})
	defer func() {
		_ = conn.Close()
		<-done
	}()

	// Reader side: JSON transcript messages.
	readErr := make(chan error, 1)
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			var msg serviceMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Warn().Str("module", "stt").Err(err).Msg("bad transcript message")
				continue
			}
			if msg.MessageType != "FinalTranscript" {
				continue
			}
			select {
			case finals <- msg.Text:
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
	}()

	// Writer side: binary PCM frames.
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: read: %v", core.ErrTranscriptionUnavailable, err)
		case frame, ok := <-pcm:
			if !ok {
				return nil
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				return fmt.Errorf("%w: deadline: %v", core.ErrTranscriptionUnavailable, err)
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return fmt.Errorf("%w: write: %v", core.ErrTranscriptionUnavailable, err)
			}
		}
	}
}
