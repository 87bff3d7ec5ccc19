package agent

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/driftlab/easel/internal/metrics"
	"github.com/driftlab/easel/llm/speech"
	"github.com/driftlab/easel/types"
)

// SessionState is the transcription session lifecycle state.
type SessionState string

const (
	SessionDisconnected SessionState = "disconnected"
	SessionConnecting   SessionState = "connecting"
	SessionStreaming    SessionState = "streaming"
)

// TranscriptionSession shares one upstream speech-to-text stream among
// all audio producers attached to an agent. The upstream connection
// opens when the first producer attaches and closes when the last one
// detaches. Completed turns dispatch edits; turns arriving while an
// edit is in flight are discarded, never queued.
type TranscriptionSession struct {
	agent    *ImageAgent
	provider speech.LiveProvider
	opts     speech.StreamOptions
	metrics  *metrics.Collector
	logger   *zap.Logger

	mu     sync.Mutex
	state  SessionState
	refs   int
	stream speech.LiveStream
	gen    int // increments per upstream connection, fences stale consumers
}

func newTranscriptionSession(a *ImageAgent, provider speech.LiveProvider, opts speech.StreamOptions, m *metrics.Collector, logger *zap.Logger) *TranscriptionSession {
	return &TranscriptionSession{
		agent:    a,
		provider: provider,
		opts:     opts,
		metrics:  m,
		logger:   logger.With(zap.String("component", "transcription_session")),
		state:    SessionDisconnected,
	}
}

// State returns the current session state.
func (s *TranscriptionSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attach registers one audio producer. The first attach opens the
// upstream stream; a connect failure surfaces as
// TranscriptionUnavailable and leaves the session disconnected.
func (s *TranscriptionSession) Attach(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.provider == nil {
		return types.NewError(types.ErrTranscriptionUnavailable, "no transcription provider configured")
	}

	if s.refs > 0 {
		s.refs++
		return nil
	}

	s.state = SessionConnecting
	stream, err := s.provider.Connect(ctx, s.opts)
	if err != nil {
		s.state = SessionDisconnected
		return types.NewError(types.ErrTranscriptionUnavailable, "transcription connect failed").WithCause(err)
	}

	s.stream = stream
	s.state = SessionStreaming
	s.refs = 1
	s.gen++
	if s.metrics != nil {
		s.metrics.LiveStreamOpened()
	}
	go s.consume(stream, s.gen)
	s.logger.Info("upstream transcription stream opened")
	return nil
}

// Detach unregisters one audio producer, closing the upstream stream
// when the last producer leaves.
func (s *TranscriptionSession) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs == 0 {
		return
	}
	s.refs--
	if s.refs > 0 {
		return
	}

	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.logger.Debug("upstream stream close failed", zap.Error(err))
		}
		s.stream = nil
	}
	s.state = SessionDisconnected
	if s.metrics != nil {
		s.metrics.LiveStreamClosed()
	}
	s.logger.Info("upstream transcription stream closed")
}

// SendAudio forwards one audio chunk upstream verbatim.
func (s *TranscriptionSession) SendAudio(ctx context.Context, data []byte) error {
	s.mu.Lock()
	stream := s.stream
	state := s.state
	s.mu.Unlock()

	if state != SessionStreaming || stream == nil {
		return types.NewError(types.ErrTranscriptionUnavailable, "no live transcription stream")
	}
	if err := stream.Send(ctx, data); err != nil {
		return types.NewError(types.ErrTranscriptionUnavailable, "audio forward failed").WithCause(err)
	}
	return nil
}

// consume drains transcript events from one upstream connection and
// dispatches edits on completed turns. Each turn is admitted the
// moment it arrives: dispatch runs on its own goroutine so a turn
// landing mid-edit hits the in-flight guard and is discarded instead
// of parking behind the running dispatch.
func (s *TranscriptionSession) consume(stream speech.LiveStream, gen int) {
	for event := range stream.Events() {
		if !event.EndOfTurn {
			continue
		}
		go s.handleTurn(event.Text)
	}

	// The upstream ended on its own; reset so the next producer can
	// reconnect, unless a newer connection already replaced this one.
	s.mu.Lock()
	if s.gen == gen && s.state != SessionDisconnected {
		s.stream = nil
		s.refs = 0
		s.state = SessionDisconnected
		if s.metrics != nil {
			s.metrics.LiveStreamClosed()
		}
		s.logger.Warn("upstream transcription stream ended unexpectedly")
	}
	s.mu.Unlock()
}

func (s *TranscriptionSession) handleTurn(text string) {
	if text == "" {
		s.recordTurn("empty")
		return
	}

	_, err := s.agent.editCurrentImage(context.Background(), text, "speech")
	switch {
	case err == nil:
		s.recordTurn("dispatched")
	case types.IsCode(err, types.ErrEditInProgress):
		// Speech uttered while an edit runs is lost; there is no queue.
		s.recordTurn("dropped")
		s.logger.Info("transcript turn dropped, edit in progress", zap.String("turn", text))
	default:
		s.recordTurn("failed")
		s.logger.Warn("transcript turn dispatch failed", zap.String("turn", text), zap.Error(err))
	}
}

func (s *TranscriptionSession) recordTurn(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordTranscriptTurn(outcome)
	}
}
