package widget

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Shivxnshjasathi/geminimind/internal/config"
	"github.com/Shivxnshjasathi/geminimind/internal/conversation"
	"github.com/Shivxnshjasathi/geminimind/internal/observability"
	"github.com/Shivxnshjasathi/geminimind/internal/stt"
	"github.com/Shivxnshjasathi/geminimind/internal/tts"
)

func testConfig() *config.Config {
	return &config.Config{
		CompanionName:      "GeminiMind",
		VADEnergyThreshold: 500,
		VADSilenceFrames:   10,
	}
}

type stubRecognizer struct {
	results chan *stt.TranscriptionResult
	errs    chan error
	mu      sync.Mutex
	audio   int
}

func newStubRecognizer() *stubRecognizer {
	return &stubRecognizer{
		results: make(chan *stt.TranscriptionResult, 8),
		errs:    make(chan error, 1),
	}
}

func (r *stubRecognizer) Start() error { return nil }
func (r *stubRecognizer) Stop() error  { return nil }
func (r *stubRecognizer) Close() error { return nil }
func (r *stubRecognizer) SendAudio(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio += len(pcm)
	return nil
}
func (r *stubRecognizer) GetTranscription() <-chan *stt.TranscriptionResult { return r.results }
func (r *stubRecognizer) Errors() <-chan error                               { return r.errs }

// echoSynthesizer writes the utterance text as one audio frame, then completes
type echoSynthesizer struct {
	sink tts.Sink
}

func (s *echoSynthesizer) Speak(text string, done func()) {
	go func() {
		defer done()
		s.sink([]byte(text))
	}()
}
func (s *echoSynthesizer) Cancel() {}
func (s *echoSynthesizer) Close()  {}

// blockingSynthesizer plays until cancelled
type blockingSynthesizer struct {
	mu      sync.Mutex
	pending func()
	ended   int
}

func (s *blockingSynthesizer) Speak(text string, done func()) {
	s.Cancel()
	s.mu.Lock()
	s.pending = done
	s.mu.Unlock()
}

func (s *blockingSynthesizer) Cancel() {
	s.mu.Lock()
	done := s.pending
	s.pending = nil
	if done != nil {
		s.ended++
	}
	s.mu.Unlock()

	if done != nil {
		done()
	}
}

func (s *blockingSynthesizer) Close() {}

func (s *blockingSynthesizer) endedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func startServer(t *testing.T, cfg *config.Config, deps Dependencies) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(HandleChatWS(cfg, deps))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readUntil reads frames until a JSON message of the wanted type arrives
func readUntil(t *testing.T, ws *websocket.Conn, want string, match func(raw []byte) bool) []byte {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("Waiting for %q: %v", want, err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			t.Fatalf("Invalid JSON from server: %v", err)
		}
		if head.Type == want && (match == nil || match(data)) {
			return data
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, msg ClientMessage) {
	t.Helper()
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
}

// readAudio skips JSON frames until the next audio frame
func readAudio(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("Waiting for audio: %v", err)
		}
		if messageType == websocket.BinaryMessage {
			return string(data)
		}
	}
}

func TestChatWS_GreetingAndSubmit(t *testing.T) {
	responder := conversation.ResponderFunc(func(ctx context.Context, req conversation.Request) (string, error) {
		return "It's okay to feel that way.", nil
	})
	ws := startServer(t, testConfig(), Dependencies{Responder: responder})

	var session SessionMessage
	json.Unmarshal(readUntil(t, ws, msgSession, nil), &session)
	if len(session.Transcript) != 1 || !strings.HasPrefix(session.Transcript[0].Text, "Hello! I'm GeminiMind") {
		t.Fatalf("Expected greeting transcript, got %+v", session.Transcript)
	}
	if !strings.HasPrefix(session.ID, "sess-") {
		t.Errorf("Expected session ID, got %q", session.ID)
	}

	var state StateMessage
	json.Unmarshal(readUntil(t, ws, msgState, nil), &state)
	if state.VoiceAvailable.Input || state.VoiceAvailable.Output {
		t.Errorf("Expected voice unavailable, got %+v", state.VoiceAvailable)
	}

	send(t, ws, ClientMessage{Type: msgSubmit, Text: "I feel anxious"})

	var user TurnMessage
	json.Unmarshal(readUntil(t, ws, msgTurn, nil), &user)
	if user.Turn.Speaker != conversation.SpeakerUser || user.Turn.Text != "I feel anxious" {
		t.Errorf("Unexpected user turn: %+v", user.Turn)
	}

	var reply TurnMessage
	json.Unmarshal(readUntil(t, ws, msgTurn, nil), &reply)
	if reply.Turn.Speaker != conversation.SpeakerAssistant || reply.Turn.Text != "It's okay to feel that way." {
		t.Errorf("Unexpected reply turn: %+v", reply.Turn)
	}

	json.Unmarshal(readUntil(t, ws, msgState, nil), &state)
	if state.AwaitingResponse {
		t.Error("Expected awaiting_response false after the reply")
	}
}

func TestChatWS_BusyWhileAwaiting(t *testing.T) {
	release := make(chan struct{})
	responder := conversation.ResponderFunc(func(ctx context.Context, req conversation.Request) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "done", nil
	})
	ws := startServer(t, testConfig(), Dependencies{Responder: responder})
	readUntil(t, ws, msgSession, nil)

	send(t, ws, ClientMessage{Type: msgSubmit, Text: "first"})
	readUntil(t, ws, msgTurn, nil)

	send(t, ws, ClientMessage{Type: msgSubmit, Text: "second"})
	var errMsg ErrorMessage
	json.Unmarshal(readUntil(t, ws, msgError, nil), &errMsg)
	if errMsg.Code != codeBusy {
		t.Errorf("Expected busy error, got %+v", errMsg)
	}

	close(release)
	var reply TurnMessage
	json.Unmarshal(readUntil(t, ws, msgTurn, nil), &reply)
	if reply.Turn.Text != "done" {
		t.Errorf("Expected first reply, got %+v", reply.Turn)
	}
}

func TestChatWS_FailureSendsFallback(t *testing.T) {
	responder := conversation.ResponderFunc(func(ctx context.Context, req conversation.Request) (string, error) {
		return "", context.DeadlineExceeded
	})
	ws := startServer(t, testConfig(), Dependencies{Responder: responder})

	send(t, ws, ClientMessage{Type: msgSubmit, Text: "hello"})

	data := readUntil(t, ws, msgTurn, func(raw []byte) bool {
		return strings.Contains(string(raw), `"speaker":"assistant"`)
	})
	var reply TurnMessage
	json.Unmarshal(data, &reply)
	if reply.Turn.Text != conversation.FallbackReply {
		t.Errorf("Expected fallback reply, got %q", reply.Turn.Text)
	}
}

func TestChatWS_BadRequests(t *testing.T) {
	ws := startServer(t, testConfig(), Dependencies{})

	tests := []struct {
		name string
		raw  string
		code string
	}{
		{"malformed", "{not json", codeBadRequest},
		{"unknown type", `{"type":"dance"}`, codeBadRequest},
		{"listen without recognizer", `{"type":"start_listening"}`, codeVoiceUnavailable},
		{"replay without synthesizer", `{"type":"speak_last"}`, codeVoiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(tt.raw)); err != nil {
				t.Fatal(err)
			}
			var errMsg ErrorMessage
			json.Unmarshal(readUntil(t, ws, msgError, nil), &errMsg)
			if errMsg.Code != tt.code {
				t.Errorf("Expected code %s, got %+v", tt.code, errMsg)
			}
		})
	}
}

func TestChatWS_VoiceInput(t *testing.T) {
	rec := newStubRecognizer()
	ws := startServer(t, testConfig(), Dependencies{
		NewRecognizer: func() stt.STTClient { return rec },
	})

	var state StateMessage
	json.Unmarshal(readUntil(t, ws, msgState, nil), &state)
	if !state.VoiceAvailable.Input {
		t.Fatal("Expected voice input available")
	}

	send(t, ws, ClientMessage{Type: msgStartListening})
	readUntil(t, ws, msgState, func(raw []byte) bool {
		return strings.Contains(string(raw), `"listening":true`)
	})

	loud := make([]byte, 640)
	for i := 0; i < len(loud); i += 2 {
		loud[i], loud[i+1] = 0x10, 0x27 // 10000
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, loud); err != nil {
		t.Fatal(err)
	}
	var activity VoiceActivityMessage
	json.Unmarshal(readUntil(t, ws, msgVoiceActivity, nil), &activity)
	if !activity.Active {
		t.Error("Expected voice activity started")
	}

	rec.results <- &stt.TranscriptionResult{Text: "I feel"}
	rec.results <- &stt.TranscriptionResult{Text: "I feel sad"}
	readUntil(t, ws, msgPendingInput, func(raw []byte) bool {
		return strings.Contains(string(raw), `"text":"I feel sad"`)
	})

	rec.errs <- context.Canceled
	readUntil(t, ws, msgState, func(raw []byte) bool {
		return strings.Contains(string(raw), `"listening":false`)
	})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.audio != len(loud) {
		t.Errorf("Expected %d bytes forwarded, got %d", len(loud), rec.audio)
	}
}

func TestChatWS_SpeaksReply(t *testing.T) {
	responder := conversation.ResponderFunc(func(ctx context.Context, req conversation.Request) (string, error) {
		return "Breathe in slowly.", nil
	})
	ws := startServer(t, testConfig(), Dependencies{
		Responder: responder,
		NewSynthesizer: func(sink tts.Sink, metrics *observability.Metrics, logger zerolog.Logger) Synthesizer {
			return &echoSynthesizer{sink: sink}
		},
	})

	send(t, ws, ClientMessage{Type: msgSubmit, Text: "help me relax"})

	if got := readAudio(t, ws); got != "Breathe in slowly." {
		t.Errorf("Unexpected audio frame %q", got)
	}

	readUntil(t, ws, msgState, func(raw []byte) bool {
		return strings.Contains(string(raw), `"speaking":false`)
	})
}

func TestChatWS_SpeakLastAndStop(t *testing.T) {
	responder := conversation.ResponderFunc(func(ctx context.Context, req conversation.Request) (string, error) {
		return "Take a slow breath.", nil
	})

	t.Run("replays the latest reply", func(t *testing.T) {
		ws := startServer(t, testConfig(), Dependencies{
			Responder: responder,
			NewSynthesizer: func(sink tts.Sink, metrics *observability.Metrics, logger zerolog.Logger) Synthesizer {
				return &echoSynthesizer{sink: sink}
			},
		})
		readUntil(t, ws, msgState, nil)

		send(t, ws, ClientMessage{Type: msgSpeakLast})
		if got := readAudio(t, ws); !strings.HasPrefix(got, "Hello! I'm GeminiMind") {
			t.Errorf("Expected the greeting spoken, got %q", got)
		}

		send(t, ws, ClientMessage{Type: msgSubmit, Text: "I can't sleep"})
		if got := readAudio(t, ws); got != "Take a slow breath." {
			t.Fatalf("Expected the reply spoken, got %q", got)
		}

		send(t, ws, ClientMessage{Type: msgSpeakLast})
		if got := readAudio(t, ws); got != "Take a slow breath." {
			t.Errorf("Expected the reply replayed, got %q", got)
		}
	})

	t.Run("stop_speaking clears the flag", func(t *testing.T) {
		synth := &blockingSynthesizer{}
		ws := startServer(t, testConfig(), Dependencies{
			Responder: responder,
			NewSynthesizer: func(sink tts.Sink, metrics *observability.Metrics, logger zerolog.Logger) Synthesizer {
				return synth
			},
		})
		readUntil(t, ws, msgState, nil)

		send(t, ws, ClientMessage{Type: msgSpeakLast})
		readUntil(t, ws, msgState, func(raw []byte) bool {
			return strings.Contains(string(raw), `"speaking":true`)
		})

		send(t, ws, ClientMessage{Type: msgStopSpeaking})
		readUntil(t, ws, msgState, func(raw []byte) bool {
			return strings.Contains(string(raw), `"speaking":false`)
		})

		if n := synth.endedCount(); n != 1 {
			t.Errorf("Expected the utterance ended once, got %d", n)
		}
	})
}

func TestCheckOrigin(t *testing.T) {
	allowAll := checkOrigin(nil)
	restricted := checkOrigin([]string{"https://geminimind.app"})

	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	if !allowAll(req("https://evil.example")) {
		t.Error("Expected every origin allowed without an allow-list")
	}
	if !restricted(req("https://geminimind.app")) {
		t.Error("Expected listed origin allowed")
	}
	if restricted(req("https://evil.example")) {
		t.Error("Expected unlisted origin rejected")
	}
	if !restricted(req("")) {
		t.Error("Expected requests without Origin allowed")
	}
}
