package widget

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Shivxnshjasathi/geminimind/internal/audio"
	"github.com/Shivxnshjasathi/geminimind/internal/config"
	"github.com/Shivxnshjasathi/geminimind/internal/conversation"
	"github.com/Shivxnshjasathi/geminimind/internal/observability"
	"github.com/Shivxnshjasathi/geminimind/internal/stt"
	"github.com/Shivxnshjasathi/geminimind/internal/tts"
	"github.com/Shivxnshjasathi/geminimind/internal/voice"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 1 << 20
)

// Synthesizer is a per-connection speech player
type Synthesizer interface {
	voice.Synthesizer
	Close()
}

// Dependencies are shared by all widget connections. A nil factory disables
// that voice direction.
type Dependencies struct {
	Responder      conversation.Responder
	NewRecognizer  func() stt.STTClient
	NewSynthesizer func(sink tts.Sink, metrics *observability.Metrics, logger zerolog.Logger) Synthesizer
}

func newUpgrader(allowed []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin:     checkOrigin(allowed),
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// checkOrigin allows every origin when the allow-list is empty
func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// connection holds the state of one widget: one Session and one Bridge
type connection struct {
	conn        *websocket.Conn
	cfg         *config.Config
	session     *conversation.Session
	bridge      *voice.Bridge
	recognizer  stt.STTClient
	synthesizer Synthesizer
	vad         *audio.VADDetector // reader goroutine only

	metrics *observability.Metrics
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex

	stateMu     sync.Mutex
	lastPending string
}

// HandleChatWS is the entry point for widget WebSocket connections
func HandleChatWS(cfg *config.Config, deps Dependencies) http.HandlerFunc {
	upgrader := newUpgrader(cfg.AllowedOrigins())

	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			observability.GetLogger().Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		defer ws.Close()

		c := newConnection(r.Context(), ws, cfg, deps)
		c.serve()
	}
}

func newConnection(ctx context.Context, ws *websocket.Conn, cfg *config.Config, deps Dependencies) *connection {
	correlationID := observability.NewCorrelationID()
	sessionID := "sess-" + correlationID
	logger := observability.WithCorrelationID(correlationID).
		With().
		Str("session_id", sessionID).
		Logger()
	metrics := observability.NewSessionMetrics(sessionID)

	c := &connection{
		conn:    ws,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		vad: audio.NewVADDetector(&audio.VADConfig{
			EnergyThreshold: cfg.VADEnergyThreshold,
			SilenceFrames:   cfg.VADSilenceFrames,
		}),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	// Interfaces stay untyped nil when a direction is disabled
	var recognizer voice.Recognizer
	if deps.NewRecognizer != nil {
		c.recognizer = deps.NewRecognizer()
		recognizer = c.recognizer
	}
	var synthesizer voice.Synthesizer
	if deps.NewSynthesizer != nil {
		c.synthesizer = deps.NewSynthesizer(c.writeAudio, metrics, logger)
		synthesizer = c.synthesizer
	}

	c.bridge = voice.NewBridge(recognizer, synthesizer, logger)
	c.session = conversation.NewSession(deps.Responder,
		conversation.WithID(sessionID),
		conversation.WithPersona(conversation.NewPersona(cfg.CompanionName)),
		conversation.WithLogger(logger),
		conversation.WithMetrics(metrics),
		conversation.WithTurnObserver(c.onTurn),
	)
	c.bridge.OnChange(c.onVoiceChange)
	return c
}

// serve runs the connection until the widget disconnects
func (c *connection) serve() {
	c.metrics.RecordSessionStart()
	c.logger.Info().
		Bool("voice_input", c.bridge.CanListen()).
		Bool("voice_output", c.bridge.CanSpeak()).
		Msg("Widget connected")

	defer func() {
		c.cancel()
		c.bridge.Close()
		if c.recognizer != nil {
			if err := c.recognizer.Close(); err != nil {
				c.logger.Warn().Err(err).Msg("Error closing recognizer")
			}
		}
		if c.synthesizer != nil {
			c.synthesizer.Close()
		}
		c.wg.Wait()
		c.metrics.RecordSessionEnd()
		c.logger.Info().Msg("Widget disconnected")
	}()

	c.writeJSON(SessionMessage{Type: msgSession, Snapshot: c.session.Snapshot()})
	c.sendState()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.bridge.Run(c.ctx)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Time{}) // drop the server's request read timeout
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.handleAudio(data)
		case websocket.TextMessage:
			c.handleMessage(data)
		}
	}
}

func (c *connection) handleMessage(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError(codeBadRequest, "malformed message")
		return
	}

	switch msg.Type {
	case msgSubmit:
		c.handleSubmit(msg.Text)

	case msgStartListening:
		if !c.bridge.CanListen() {
			c.sendError(codeVoiceUnavailable, "speech recognition is not available")
			return
		}
		c.vad.Reset()
		err := c.bridge.StartListening()
		c.metrics.RecordSTTSession(err == nil)
		if err != nil {
			c.sendError(codeVoiceUnavailable, "speech recognition could not start")
		}

	case msgStopListening:
		if err := c.bridge.StopListening(); err != nil {
			c.logger.Warn().Err(err).Msg("Error stopping recognizer")
		}

	case msgAudio:
		pcm, err := base64.StdEncoding.DecodeString(msg.Payload)
		if err != nil {
			c.sendError(codeBadRequest, "audio payload is not valid base64")
			return
		}
		c.handleAudio(pcm)

	case msgSpeakLast:
		if !c.bridge.CanSpeak() {
			c.sendError(codeVoiceUnavailable, "speech output is not available")
			return
		}
		if last, ok := c.session.LastReply(); ok {
			c.speak(last.Text)
		}

	case msgStopSpeaking:
		c.bridge.StopSpeaking()

	default:
		c.sendError(codeBadRequest, "unknown message type "+msg.Type)
	}
}

// handleSubmit runs the submission on its own goroutine so voice events keep
// flowing while the reply is pending
func (c *connection) handleSubmit(text string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		result := c.session.Submit(c.ctx, text)
		switch result.Outcome {
		case conversation.OutcomeBusy:
			c.sendError(codeBusy, "please wait for the current reply")
		case conversation.OutcomeAnswered:
			if c.bridge.CanSpeak() {
				c.speak(result.Reply.Text)
			}
		}
	}()
}

func (c *connection) speak(text string) {
	if err := c.bridge.Speak(text); err != nil && !errors.Is(err, voice.ErrUnavailable) {
		c.logger.Warn().Err(err).Msg("Failed to speak reply")
	}
}

// handleAudio forwards microphone audio to the recognizer while listening
func (c *connection) handleAudio(pcm []byte) {
	if c.recognizer == nil {
		c.sendError(codeVoiceUnavailable, "speech recognition is not available")
		return
	}
	if !c.bridge.State().Listening || len(pcm) == 0 {
		return
	}
	c.metrics.RecordAudioBytes("in", int64(len(pcm)))

	activity, err := c.vad.ProcessPCM(pcm)
	if err != nil {
		c.sendError(codeBadRequest, "audio must be 16-bit PCM")
		return
	}
	switch activity {
	case audio.ActivitySpeechStarted:
		c.writeJSON(VoiceActivityMessage{Type: msgVoiceActivity, Active: true})
	case audio.ActivitySpeechEnded:
		c.writeJSON(VoiceActivityMessage{Type: msgVoiceActivity, Active: false})
	}

	if err := c.recognizer.SendAudio(pcm); err != nil {
		c.logger.Debug().Err(err).Msg("Dropped microphone audio")
	}
}

func (c *connection) onTurn(turn conversation.Turn) {
	if turn.Speaker == conversation.SpeakerUser {
		c.bridge.ClearPendingInput()
	}
	c.writeJSON(TurnMessage{Type: msgTurn, Turn: turn})
	c.sendState()
}

func (c *connection) onVoiceChange(s voice.State) {
	c.stateMu.Lock()
	pendingChanged := s.PendingInput != c.lastPending
	c.lastPending = s.PendingInput
	c.stateMu.Unlock()

	if pendingChanged {
		c.writeJSON(PendingInputMessage{Type: msgPendingInput, Text: s.PendingInput})
	}
	c.sendState()
}

func (c *connection) sendState() {
	voiceState := c.bridge.State()
	c.writeJSON(StateMessage{
		Type:             msgState,
		AwaitingResponse: c.session.AwaitingResponse(),
		Listening:        voiceState.Listening,
		Speaking:         voiceState.Speaking,
		VoiceAvailable: VoiceAvailability{
			Input:  c.bridge.CanListen(),
			Output: c.bridge.CanSpeak(),
		},
	})
}

func (c *connection) sendError(code, message string) {
	c.writeJSON(ErrorMessage{Type: msgError, Code: code, Message: message})
}

func (c *connection) writeJSON(v interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to write message")
	}
}

// writeAudio is the speech player's sink
func (c *connection) writeAudio(frame []byte) error {
	if c.ctx.Err() != nil {
		return c.ctx.Err()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}
