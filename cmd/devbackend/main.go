// devbackend is a local stand-in for the production credential API,
// the AI signaling endpoint, and the speech-to-text service, so the
// bridge can be exercised end to end without external accounts.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const tokenTTLSeconds = 600

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	authed := r.Group("/", requireBearer)
	authed.GET("/webrtc/credentials", handleRelayCredentials)
	authed.GET("/realtime/token", handleEphemeralKey)
	authed.GET("/transcription/token", handleTranscriptionToken)

	r.POST("/v1/realtime", handleSignaling)
	r.GET("/transcription/stream", handleTranscriptionStream)

	srv := &http.Server{Addr: ":8000", Handler: r}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("devbackend started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

func requireBearer(c *gin.Context) {
	auth := c.GetHeader("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") || len(auth) <= len("Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "missing bearer token"})
		return
	}
	c.Next()
}

func handleRelayCredentials(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ttl":       tokenTTLSeconds,
		"issued_at": time.Now().Unix(),
		"servers": []gin.H{
			{
				"urls":       []string{"turn:localhost:3478?transport=udp"},
				"username":   "dev",
				"credential": uuid.NewString(),
			},
		},
	})
}

func handleEphemeralKey(c *gin.Context) {
	if c.Query("session_id") == "" {
		c.JSON(http.StatusNotFound, gin.H{"detail": "unknown session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ttl": tokenTTLSeconds,
		"client_secret": gin.H{
			"value": "ek_" + uuid.NewString(),
		},
	})
}

func handleTranscriptionToken(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"token": "tt_" + uuid.NewString()})
}

// handleSignaling plays the AI endpoint: it accepts the offer and
// answers with a canned description. Good enough for wiring tests;
// no media ever flows.
func handleSignaling(c *gin.Context) {
	if !strings.HasPrefix(c.GetHeader("Authorization"), "Bearer ek_") {
		c.String(http.StatusUnauthorized, "invalid ephemeral key")
		return
	}
	offer, err := c.GetRawData()
	if err != nil || len(offer) == 0 {
		c.String(http.StatusBadRequest, "missing offer")
		return
	}
	log.Info().Int("offer_bytes", len(offer)).Msg("signaling exchange")
	c.Header("Content-Type", "application/sdp")
	c.String(http.StatusOK, stubAnswerSDP())
}

func stubAnswerSDP() string {
	return strings.Join([]string{
		"v=0",
		fmt.Sprintf("o=- %d 2 IN IP4 127.0.0.1", time.Now().Unix()),
		"s=-",
		"t=0 0",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"c=IN IP4 0.0.0.0",
		"a=rtpmap:111 opus/48000/2",
		"a=sendrecv",
		"",
	}, "\r\n")
}

// handleTranscriptionStream consumes PCM frames and emits a canned
// final transcript for roughly every two seconds of received audio.
func handleTranscriptionStream(c *gin.Context) {
	if c.Query("token") == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "missing token"})
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	defer ws.Close()

	sampleRate := 16000
	if sr := c.Query("sample_rate"); sr != "" {
		fmt.Sscanf(sr, "%d", &sampleRate)
	}
	windowBytes := sampleRate * 2 * 2 // two seconds of 16-bit mono

	received := 0
	line := 0
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		received += len(data)
		if received < windowBytes {
			continue
		}
		received = 0
		line++
		msg := map[string]string{
			"message_type": "FinalTranscript",
			"text":         fmt.Sprintf("stub transcript line %d", line),
		}
		if err := ws.WriteJSON(msg); err != nil {
			return
		}
	}
}
