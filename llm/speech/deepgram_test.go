package speech

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resultMessage(transcript string, isFinal, speechFinal bool) []byte {
	msg := map[string]any{
		"type":         "Results",
		"is_final":     isFinal,
		"speech_final": speechFinal,
		"channel": map[string]any{
			"alternatives": []map[string]any{
				{"transcript": transcript, "confidence": 0.97},
			},
		},
	}
	data, _ := json.Marshal(msg)
	return data
}

// liveServer accepts one websocket connection and hands it to fn.
func liveServer(t *testing.T, fn func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/listen", r.URL.Path)
		require.Equal(t, "Token test-key", r.Header.Get("Authorization"))
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		fn(r.Context(), conn)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectSendsAudioAndAssemblesTurns(t *testing.T) {
	srv := liveServer(t, func(ctx context.Context, conn *websocket.Conn) {
		// First frame from the client must be the audio we sent.
		typ, data, err := conn.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, websocket.MessageBinary, typ)
		require.Equal(t, []byte("pcm-audio"), data)

		require.NoError(t, conn.Write(ctx, websocket.MessageText, resultMessage("make the sky", false, false)))
		require.NoError(t, conn.Write(ctx, websocket.MessageText, resultMessage("make the sky", true, false)))
		require.NoError(t, conn.Write(ctx, websocket.MessageText, resultMessage("purple", true, true)))
	})
	defer srv.Close()

	p := NewDeepgramProvider(DeepgramConfig{APIKey: "test-key", BaseURL: wsURL(srv)}, nil)
	stream, err := p.Connect(context.Background(), StreamOptions{SampleRate: 16000})
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, stream.Send(context.Background(), []byte("pcm-audio")))

	var turn *TranscriptEvent
	deadline := time.After(3 * time.Second)
	for turn == nil {
		select {
		case ev, ok := <-stream.Events():
			require.True(t, ok, "events closed before end of turn")
			if ev.EndOfTurn {
				turn = &ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for end-of-turn event")
		}
	}

	assert.Equal(t, "make the sky purple", turn.Text)
	assert.True(t, turn.EndOfTurn)
}

func TestInterimEventsAreNotEndOfTurn(t *testing.T) {
	srv := liveServer(t, func(ctx context.Context, conn *websocket.Conn) {
		require.NoError(t, conn.Write(ctx, websocket.MessageText, resultMessage("add a", false, false)))
	})
	defer srv.Close()

	p := NewDeepgramProvider(DeepgramConfig{APIKey: "test-key", BaseURL: wsURL(srv)}, nil)
	stream, err := p.Connect(context.Background(), StreamOptions{})
	require.NoError(t, err)
	defer stream.Close()

	select {
	case ev := <-stream.Events():
		assert.Equal(t, "add a", ev.Text)
		assert.False(t, ev.IsFinal)
		assert.False(t, ev.EndOfTurn)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for interim event")
	}
}

func TestCloseSignalsUpstreamAndStopsSends(t *testing.T) {
	gotClose := make(chan struct{})
	srv := liveServer(t, func(ctx context.Context, conn *websocket.Conn) {
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageText && strings.Contains(string(data), "CloseStream") {
				close(gotClose)
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	})
	defer srv.Close()

	p := NewDeepgramProvider(DeepgramConfig{APIKey: "test-key", BaseURL: wsURL(srv)}, nil)
	stream, err := p.Connect(context.Background(), StreamOptions{})
	require.NoError(t, err)

	require.NoError(t, stream.Close())
	select {
	case <-gotClose:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream never saw CloseStream")
	}

	assert.Error(t, stream.Send(context.Background(), []byte("late")))
	assert.NoError(t, stream.Close(), "close is idempotent")
}

func TestConnectRejectsBadEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewDeepgramProvider(DeepgramConfig{APIKey: "bad", BaseURL: wsURL(srv)}, nil)
	_, err := p.Connect(context.Background(), StreamOptions{})
	assert.Error(t, err)
}
