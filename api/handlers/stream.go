package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/driftlab/easel/agent"
	"github.com/driftlab/easel/api"
	"github.com/driftlab/easel/types"
)

// StreamHandler serves the per-image websocket: it pushes entity
// snapshots to the viewer and accepts audio messages that drive the
// transcription session.
type StreamHandler struct {
	registry *agent.Registry
	broker   *agent.LocalBroker
	logger   *zap.Logger
}

// NewStreamHandler creates the websocket handler.
func NewStreamHandler(registry *agent.Registry, broker *agent.LocalBroker, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		registry: registry,
		broker:   broker,
		logger:   logger.With(zap.String("component", "stream_handler")),
	}
}

// Serve handles GET /api/images/{id}/stream.
func (h *StreamHandler) Serve(w http.ResponseWriter, r *http.Request) {
	a, err := h.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan api.StreamOutbound, 16)
	go h.writeLoop(ctx, cancel, conn, out)

	// The viewer always starts from the current state.
	h.send(ctx, out, snapshotMessage(a))

	snapshots, unsubscribe := h.broker.Subscribe(a.ID())
	defer unsubscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case state, ok := <-snapshots:
				if !ok {
					return
				}
				h.send(ctx, out, api.StreamOutbound{
					Type:  api.StreamTypeSnapshot,
					Image: viewPtr(api.NewImageView(state)),
				})
			}
		}
	}()

	h.readLoop(ctx, conn, a, out)
	conn.Close(websocket.StatusNormalClosure, "bye")
}

// readLoop consumes inbound messages until the viewer disconnects. It
// owns the audio producer lifecycle: at most one Attach per connection,
// always balanced by a Detach.
func (h *StreamHandler) readLoop(ctx context.Context, conn *websocket.Conn, a *agent.ImageAgent, out chan<- api.StreamOutbound) {
	session := a.Transcription()
	attached := false
	defer func() {
		if attached {
			session.Detach()
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg api.StreamInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendError(ctx, out, types.NewError(types.ErrEmptyPrompt, "malformed stream message"))
			continue
		}

		switch msg.Type {
		case api.StreamTypeAudioStart:
			if attached {
				continue
			}
			if err := session.Attach(ctx); err != nil {
				h.sendError(ctx, out, err)
				continue
			}
			attached = true

		case api.StreamTypeAudioChunk:
			if !attached {
				h.sendError(ctx, out, types.NewError(types.ErrTranscriptionUnavailable, "audio-start required before chunks"))
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				h.sendError(ctx, out, types.NewError(types.ErrTranscriptionUnavailable, "audio chunk is not valid base64"))
				continue
			}
			if err := session.SendAudio(ctx, audio); err != nil {
				h.sendError(ctx, out, err)
			}

		case api.StreamTypeAudioComplete:
			if attached {
				session.Detach()
				attached = false
			}

		default:
			h.logger.Debug("ignoring unknown stream message", zap.String("type", msg.Type))
		}
	}
}

func (h *StreamHandler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out <-chan api.StreamOutbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-out:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				cancel()
				return
			}
		}
	}
}

func (h *StreamHandler) send(ctx context.Context, out chan<- api.StreamOutbound, msg api.StreamOutbound) {
	select {
	case out <- msg:
	case <-ctx.Done():
	}
}

func (h *StreamHandler) sendError(ctx context.Context, out chan<- api.StreamOutbound, err error) {
	var e *types.Error
	info := &api.ErrorInfo{Code: string(types.ErrStore), Message: "internal error"}
	if errors.As(err, &e) {
		info = &api.ErrorInfo{Code: string(e.Code), Message: e.Message, Retryable: e.Retryable}
	}
	h.send(ctx, out, api.StreamOutbound{Type: api.StreamTypeError, Error: info})
}

func snapshotMessage(a *agent.ImageAgent) api.StreamOutbound {
	return api.StreamOutbound{
		Type:  api.StreamTypeSnapshot,
		Image: viewPtr(api.NewImageView(a.Snapshot())),
	}
}

func viewPtr(v api.ImageView) *api.ImageView { return &v }
