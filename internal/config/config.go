package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the chat widget backend
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Origins allowed to open the chat WebSocket, comma separated.
	// Empty allows every origin (local development).
	WidgetAllowedOrigins string `envconfig:"WIDGET_ALLOWED_ORIGINS" default:""`

	// Persona shown in the greeting and the system instruction
	CompanionName string `envconfig:"COMPANION_NAME" default:"GeminiMind"`

	// Gemini language model configuration
	GeminiAPIKey          string  `envconfig:"GEMINI_API_KEY" required:"true"`
	GeminiModel           string  `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`
	GeminiTemperature     float32 `envconfig:"GEMINI_TEMPERATURE" default:"0.9"`
	GeminiTopK            float32 `envconfig:"GEMINI_TOP_K" default:"1"`
	GeminiTopP            float32 `envconfig:"GEMINI_TOP_P" default:"1"`
	GeminiMaxOutputTokens int32   `envconfig:"GEMINI_MAX_OUTPUT_TOKENS" default:"2048"`
	GeminiSafetyThreshold string  `envconfig:"GEMINI_SAFETY_THRESHOLD" default:"BLOCK_MEDIUM_AND_ABOVE"`

	// Deepgram STT configuration. Voice input is disabled without a key.
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`  // Language code (en, es, fr, etc.)
	MicSampleRate    int    `envconfig:"MIC_SAMPLE_RATE" default:"16000"` // linear16 from the browser

	// Cartesia TTS configuration. Voice output is disabled without a key.
	CartesiaAPIKey     string `envconfig:"CARTESIA_API_KEY" default:""`
	CartesiaAPIURL     string `envconfig:"CARTESIA_API_URL" default:"https://api.cartesia.ai/v1/tts"`
	CartesiaVoiceID    string `envconfig:"CARTESIA_VOICE_ID" default:"sonic-english"`
	CartesiaModelID    string `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`
	CartesiaSampleRate int    `envconfig:"CARTESIA_SAMPLE_RATE" default:"24000"`

	// Audio processing configuration
	SpeechOutputSampleRate int     `envconfig:"SPEECH_OUTPUT_SAMPLE_RATE" default:"16000"` // Rate played back by the widget
	SpeechFrameBytes       int     `envconfig:"SPEECH_FRAME_BYTES" default:"3200"`         // 100ms of PCM16 at 16kHz
	AudioBufferSize        int     `envconfig:"AUDIO_BUFFER_SIZE" default:"16384"`         // Ring buffer size in bytes
	VADEnergyThreshold     float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"`      // RMS energy threshold for VAD
	VADSilenceFrames       int     `envconfig:"VAD_SILENCE_FRAMES" default:"10"`           // Frames of silence to mark speech end

	// Circuit breaker around the model endpoint. Failures are never retried.
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Observability configuration
	LogLevel          string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty         bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled    bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	GRPCHealthEnabled bool   `envconfig:"GRPC_HEALTH_ENABLED" default:"true"`
	GRPCHealthPort    string `envconfig:"GRPC_HEALTH_PORT" default:"9090"`
}

var safetyThresholds = map[string]bool{
	"BLOCK_LOW_AND_ABOVE":    true,
	"BLOCK_MEDIUM_AND_ABOVE": true,
	"BLOCK_ONLY_HIGH":        true,
	"BLOCK_NONE":             true,
	"OFF":                    true,
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if c.GeminiTemperature < 0 || c.GeminiTemperature > 2 {
		return fmt.Errorf("GEMINI_TEMPERATURE must be between 0 and 2, got %v", c.GeminiTemperature)
	}
	if c.GeminiTopK < 1 {
		return fmt.Errorf("GEMINI_TOP_K must be at least 1, got %v", c.GeminiTopK)
	}
	if c.GeminiTopP <= 0 || c.GeminiTopP > 1 {
		return fmt.Errorf("GEMINI_TOP_P must be in (0, 1], got %v", c.GeminiTopP)
	}
	if c.GeminiMaxOutputTokens <= 0 {
		return fmt.Errorf("GEMINI_MAX_OUTPUT_TOKENS must be positive, got %d", c.GeminiMaxOutputTokens)
	}
	if !safetyThresholds[c.GeminiSafetyThreshold] {
		return fmt.Errorf("GEMINI_SAFETY_THRESHOLD %q is not a known threshold", c.GeminiSafetyThreshold)
	}
	if c.SpeechFrameBytes <= 0 || c.SpeechFrameBytes%2 != 0 {
		return fmt.Errorf("SPEECH_FRAME_BYTES must be a positive even number, got %d", c.SpeechFrameBytes)
	}
	if c.AudioBufferSize <= c.SpeechFrameBytes {
		return fmt.Errorf("AUDIO_BUFFER_SIZE (%d) must exceed SPEECH_FRAME_BYTES (%d)", c.AudioBufferSize, c.SpeechFrameBytes)
	}
	return nil
}

// VoiceInputEnabled reports whether speech recognition is configured
func (c *Config) VoiceInputEnabled() bool {
	return c.DeepgramAPIKey != ""
}

// VoiceOutputEnabled reports whether speech synthesis is configured
func (c *Config) VoiceOutputEnabled() bool {
	return c.CartesiaAPIKey != ""
}

// AllowedOrigins returns the parsed origin allow-list
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.WidgetAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
