package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/Shivxnshjasathi/geminimind/internal/config"
	"github.com/Shivxnshjasathi/geminimind/internal/observability"
)

var _ STTClient = (*DeepgramClient)(nil)

// ErrNotActive is returned when audio arrives outside a transcription session
var ErrNotActive = errors.New("deepgram client is not active")

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse) error
}

// Message overrides the default handler to send transcriptions to our channel
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

// Error overrides the default handler to use our custom error handling
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// DeepgramClient implements STTClient using Deepgram's streaming API.
// A failed session is not reconnected; the caller decides whether to start
// a new one.
type DeepgramClient struct {
	config     *config.Config
	client     *listenClient.WSCallback
	transcript chan *TranscriptionResult
	errs       chan error
	mu         sync.RWMutex
	isActive   bool
	stream     atomic.Uint64 // generation of the current stream; callbacks from older ones are dropped
	ctx        context.Context
	cancel     context.CancelFunc
	logger     zerolog.Logger
}

// NewDeepgramClient creates a new Deepgram streaming client
func NewDeepgramClient(cfg *config.Config) *DeepgramClient {
	ctx, cancel := context.WithCancel(context.Background())

	return &DeepgramClient{
		config:     cfg,
		transcript: make(chan *TranscriptionResult, 100),
		errs:       make(chan error, 4),
		ctx:        ctx,
		cancel:     cancel,
		logger:     observability.GetLogger().With().Str("component", "deepgram").Logger(),
	}
}

// TranscriptionOptions returns the live options: continuous linear16 capture
// from the browser with interim results
func TranscriptionOptions(cfg *config.Config) *interfaces.LiveTranscriptionOptions {
	return &interfaces.LiveTranscriptionOptions{
		Model:          cfg.DeepgramModel,
		Language:       cfg.DeepgramLanguage,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     cfg.MicSampleRate,
	}
}

// Start begins a new Deepgram streaming transcription session
func (d *DeepgramClient) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isActive {
		return fmt.Errorf("deepgram client is already active")
	}

	stream := d.stream.Add(1)
	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler: func(msg *msginterfaces.MessageResponse) {
			d.handleDeepgramMessage(stream, msg)
		},
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) error {
			return d.handleDeepgramError(stream, errorResponse)
		},
	}

	client, err := listenClient.NewWSUsingCallback(
		d.ctx,
		d.config.DeepgramAPIKey,
		nil, // ClientOptions - nil uses defaults
		TranscriptionOptions(d.config),
		callback,
	)
	if err != nil {
		return fmt.Errorf("failed to create Deepgram client: %w", err)
	}

	if !client.Connect() {
		return fmt.Errorf("failed to connect to Deepgram")
	}

	d.client = client
	d.isActive = true

	d.logger.Info().
		Str("model", d.config.DeepgramModel).
		Str("language", d.config.DeepgramLanguage).
		Msg("Deepgram streaming client started")
	return nil
}

// handleDeepgramError marks the session inactive and reports the error
func (d *DeepgramClient) handleDeepgramError(stream uint64, errorResponse *msginterfaces.ErrorResponse) error {
	if stream != d.stream.Load() {
		return nil
	}
	select {
	case <-d.ctx.Done():
		return nil
	default:
	}

	d.mu.Lock()
	d.isActive = false
	d.mu.Unlock()

	err := fmt.Errorf("deepgram error: %+v", errorResponse)
	d.logger.Error().Err(err).Msg("Deepgram recognition error")

	select {
	case d.errs <- err:
	default:
		d.logger.Warn().Msg("Error channel full, dropping recognition error")
	}
	return nil
}

// handleDeepgramMessage processes messages from Deepgram
func (d *DeepgramClient) handleDeepgramMessage(stream uint64, msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}
	if stream != d.stream.Load() {
		d.logger.Debug().Str("type", msg.Type).Msg("Dropping message from a finished stream")
		return
	}

	switch msg.Type {
	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}

		// Get the best alternative (first one)
		alt := msg.Channel.Alternatives[0]
		if alt.Transcript == "" {
			return
		}

		result := &TranscriptionResult{
			Text:       alt.Transcript,
			IsFinal:    msg.IsFinal,
			Confidence: alt.Confidence,
		}

		// Send to transcript channel (non-blocking)
		select {
		case d.transcript <- result:
			d.logger.Debug().
				Str("text", result.Text).
				Bool("final", result.IsFinal).
				Msg("Deepgram transcription")
		default:
			d.logger.Warn().Msg("Transcript channel full, dropping transcription")
		}

	default:
		d.logger.Debug().Str("type", msg.Type).Msg("Deepgram message ignored")
	}
}

// SendAudio sends an audio chunk to Deepgram
func (d *DeepgramClient) SendAudio(audioData []byte) error {
	d.mu.RLock()
	active := d.isActive
	client := d.client
	d.mu.RUnlock()

	if !active || client == nil {
		return ErrNotActive
	}

	// WSCallback uses Write method for sending audio (returns bytes written and error)
	if _, err := client.Write(audioData); err != nil {
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

// GetTranscription returns a channel that receives transcription results
func (d *DeepgramClient) GetTranscription() <-chan *TranscriptionResult {
	return d.transcript
}

// Errors returns a channel that receives recognition errors
func (d *DeepgramClient) Errors() <-chan error {
	return d.errs
}

// Stop stops the Deepgram streaming session
func (d *DeepgramClient) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil {
		return nil
	}

	// Results flushed by Finish belong to the capture being stopped
	d.stream.Add(1)

	// Finish closes the socket even when the session already failed
	d.client.Finish()
	d.client = nil

	if d.isActive {
		d.isActive = false
		d.logger.Info().Msg("Deepgram streaming client stopped")
	}
	return nil
}

// Close stops the session for good
func (d *DeepgramClient) Close() error {
	d.cancel()

	// The result channels stay open; late callbacks must never hit a closed channel
	return d.Stop()
}

// IsActive returns whether the client is currently active
func (d *DeepgramClient) IsActive() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isActive
}
