package core

import (
	"time"

	"github.com/reachlabs/voicebridge/internal/domain"
)

// EventKind discriminates entries on the caller-facing event stream.
type EventKind int

const (
	EventState EventKind = iota
	EventQuality
	EventTranscript
	EventNotice
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventQuality:
		return "quality"
	case EventTranscript:
		return "transcript"
	case EventNotice:
		return "notice"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is one discrete, timestamped entry on the session event stream.
// Exactly one payload field is set, matching Kind.
type Event struct {
	Kind       EventKind
	At         time.Time
	State      domain.SessionState
	Quality    *domain.QualitySample
	Transcript *domain.TranscriptEvent
	Notice     string
	Err        error
}

// TransportEventKind is an edge reported by the underlying peer transport.
type TransportEventKind int

const (
	TransportConnected TransportEventKind = iota
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (k TransportEventKind) String() string {
	switch k {
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// TransportEvent carries one transport edge plus the generation of the
// media link that produced it, so the session loop can discard events
// from links it has already replaced.
type TransportEvent struct {
	Kind       TransportEventKind
	Generation uint64
}
