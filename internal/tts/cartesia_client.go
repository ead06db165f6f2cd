package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Shivxnshjasathi/geminimind/internal/audio"
	"github.com/Shivxnshjasathi/geminimind/internal/config"
	"github.com/Shivxnshjasathi/geminimind/internal/observability"
	"github.com/Shivxnshjasathi/geminimind/internal/resilience"
)

const serviceName = "cartesia"

// ErrEmptyAudio is returned when the synthesizer answers with no audio
var ErrEmptyAudio = errors.New("cartesia returned empty audio")

var _ TTSClient = (*CartesiaClient)(nil)

// CartesiaClient implements TTSClient using Cartesia's TTS API
type CartesiaClient struct {
	apiKey         string
	apiURL         string
	voiceID        string
	modelID        string
	inputRate      int
	outputRate     int
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// CartesiaRequest represents the request payload for Cartesia TTS API
type CartesiaRequest struct {
	Text            string  `json:"text"`
	VoiceID         string  `json:"voice_id"`
	ModelID         string  `json:"model_id,omitempty"`
	OutputFormat    string  `json:"output_format,omitempty"`
	SampleRate      int     `json:"sample_rate,omitempty"`
	Speed           float64 `json:"speed,omitempty"`
	Stability       float64 `json:"stability,omitempty"`
	SimilarityBoost float64 `json:"similarity_boost,omitempty"`
}

// NewCartesiaClient creates a new Cartesia TTS client
func NewCartesiaClient(cfg *config.Config) *CartesiaClient {
	circuitBreaker := resilience.NewCircuitBreaker(
		serviceName,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	circuitBreaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
	})

	return &CartesiaClient{
		apiKey:         cfg.CartesiaAPIKey,
		apiURL:         cfg.CartesiaAPIURL,
		voiceID:        cfg.CartesiaVoiceID,
		modelID:        cfg.CartesiaModelID,
		inputRate:      cfg.CartesiaSampleRate,
		outputRate:     cfg.SpeechOutputSampleRate,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		circuitBreaker: circuitBreaker,
		logger:         observability.GetLogger().With().Str("component", serviceName).Logger(),
	}
}

// Synthesize requests speech for text and returns it resampled to the
// playback rate. Cancelling ctx aborts the request.
func (c *CartesiaClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	var pcm []byte
	var fetchErr error
	err := c.circuitBreaker.Call(func() error {
		pcm, fetchErr = c.fetch(ctx, text)
		if fetchErr != nil && ctx.Err() != nil {
			return nil // cancelled by the caller, not a provider failure
		}
		return fetchErr
	})
	if err != nil {
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(serviceName)
		}
		return nil, err
	}
	if fetchErr != nil {
		return nil, fetchErr
	}

	out, err := audio.ResamplePCM(pcm, c.inputRate, c.outputRate)
	if err != nil {
		return nil, fmt.Errorf("failed to convert audio format: %w", err)
	}

	c.logger.Debug().
		Int("pcm_bytes", len(pcm)).
		Int("output_bytes", len(out)).
		Msg("Speech synthesized")
	return out, nil
}

func (c *CartesiaClient) fetch(ctx context.Context, text string) ([]byte, error) {
	reqBody := CartesiaRequest{
		Text:            text,
		VoiceID:         c.voiceID,
		ModelID:         c.modelID,
		OutputFormat:    "pcm",
		SampleRate:      c.inputRate,
		Speed:           1.0,
		Stability:       0.5,
		SimilarityBoost: 0.75,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("cartesia API returned status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio response: %w", err)
	}
	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}
	return audioData, nil
}

// HealthCheck reports unhealthy while the circuit is open
func (c *CartesiaClient) HealthCheck(ctx context.Context) (bool, error) {
	if c.circuitBreaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}
