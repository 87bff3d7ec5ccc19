package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// DeepgramProvider implements live STT over the Deepgram streaming API.
type DeepgramProvider struct {
	cfg    DeepgramConfig
	logger *zap.Logger
}

// DeepgramConfig configures the Deepgram live provider.
type DeepgramConfig struct {
	APIKey  string
	BaseURL string // ws(s) endpoint, default wss://api.deepgram.com
	Model   string
}

// NewDeepgramProvider creates a new Deepgram live STT provider.
func NewDeepgramProvider(cfg DeepgramConfig, logger *zap.Logger) *DeepgramProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "wss://api.deepgram.com"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeepgramProvider{cfg: cfg, logger: logger.With(zap.String("component", "deepgram_live"))}
}

func (p *DeepgramProvider) Name() string { return "deepgram" }

// Connect opens one live streaming session.
// Endpoint: GET /v1/listen (WebSocket upgrade), auth via Token header.
func (p *DeepgramProvider) Connect(ctx context.Context, opts StreamOptions) (LiveStream, error) {
	params := url.Values{}
	params.Set("model", p.cfg.Model)
	params.Set("punctuate", "true")
	params.Set("smart_format", "true")
	params.Set("interim_results", "true")
	if opts.Language != "" {
		params.Set("language", opts.Language)
	}
	if opts.SampleRate > 0 {
		params.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	}

	endpoint := fmt.Sprintf("%s/v1/listen?%s", strings.TrimRight(p.cfg.BaseURL, "/"), params.Encode())

	header := http.Header{}
	header.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("deepgram dial: %w", err)
	}
	// Audio frames can be large.
	conn.SetReadLimit(1 << 22)

	stream := &deepgramStream{
		conn:   conn,
		events: make(chan TranscriptEvent, 32),
		done:   make(chan struct{}),
		logger: p.logger,
	}
	go stream.readLoop()
	go stream.keepaliveLoop()
	return stream, nil
}

type deepgramStream struct {
	conn   *websocket.Conn
	events chan TranscriptEvent
	done   chan struct{}
	logger *zap.Logger

	mu     sync.Mutex // guards writes and closed
	closed bool

	// turn accumulates finalized segments until speech_final.
	turn []string
}

// deepgramResult is the live Results message shape we consume.
type deepgramResult struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *deepgramStream) Send(ctx context.Context, audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream closed")
	}
	if err := s.conn.Write(ctx, websocket.MessageBinary, audio); err != nil {
		return fmt.Errorf("deepgram write: %w", err)
	}
	return nil
}

func (s *deepgramStream) Events() <-chan TranscriptEvent {
	return s.events
}

// Close signals end of audio upstream and tears the connection down.
func (s *deepgramStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	payload, _ := json.Marshal(map[string]string{"type": "CloseStream"})
	s.conn.Write(ctx, websocket.MessageText, payload)
	cancel()
	s.mu.Unlock()

	return s.conn.Close(websocket.StatusNormalClosure, "closing")
}

func (s *deepgramStream) readLoop() {
	defer close(s.events)

	ctx := context.Background()
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Warn("deepgram read ended", zap.Error(err))
			}
			return
		}

		var res deepgramResult
		if err := json.Unmarshal(data, &res); err != nil || res.Type != "Results" {
			continue
		}
		if len(res.Channel.Alternatives) == 0 {
			continue
		}
		alt := res.Channel.Alternatives[0]

		event := TranscriptEvent{
			Text:       alt.Transcript,
			IsFinal:    res.IsFinal,
			Confidence: alt.Confidence,
			Timestamp:  time.Now(),
		}

		if res.IsFinal && alt.Transcript != "" {
			s.turn = append(s.turn, alt.Transcript)
		}
		if res.SpeechFinal {
			event.EndOfTurn = true
			event.Text = strings.TrimSpace(strings.Join(s.turn, " "))
			s.turn = nil
		}

		select {
		case s.events <- event:
		case <-s.done:
			return
		}
	}
}

// keepaliveLoop keeps the upstream connection open through silence.
func (s *deepgramStream) keepaliveLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	payload, _ := json.Marshal(map[string]string{"type": "KeepAlive"})
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.closed {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if err := s.conn.Write(ctx, websocket.MessageText, payload); err != nil {
					s.logger.Debug("keepalive write failed", zap.Error(err))
				}
				cancel()
			}
			s.mu.Unlock()
		}
	}
}
