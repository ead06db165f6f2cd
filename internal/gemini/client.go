package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2/apierror"
	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/Shivxnshjasathi/geminimind/internal/config"
	"github.com/Shivxnshjasathi/geminimind/internal/conversation"
	"github.com/Shivxnshjasathi/geminimind/internal/observability"
	"github.com/Shivxnshjasathi/geminimind/internal/resilience"
)

const serviceName = "gemini"

var _ conversation.Responder = (*Client)(nil)

// ErrBlocked is returned when the reply was withheld by the safety filters
var ErrBlocked = errors.New("response blocked by safety settings")

// harmCategories are moderated at the same configured threshold
var harmCategories = []genai.HarmCategory{
	genai.HarmCategoryHarassment,
	genai.HarmCategoryHateSpeech,
	genai.HarmCategorySexuallyExplicit,
	genai.HarmCategoryDangerousContent,
}

// generateFunc matches genai's Models.GenerateContent
type generateFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// Client answers conversation requests with the Gemini API
type Client struct {
	model          string
	generate       generateFunc
	contentConfig  *genai.GenerateContentConfig
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewClient creates a Gemini client for the configured model
func NewClient(ctx context.Context, cfg *config.Config) (*Client, error) {
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return newClient(cfg, gc.Models.GenerateContent), nil
}

func newClient(cfg *config.Config, generate generateFunc) *Client {
	circuitBreaker := resilience.NewCircuitBreaker(
		serviceName,
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	circuitBreaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
	})

	return &Client{
		model:          cfg.GeminiModel,
		generate:       generate,
		contentConfig:  ContentConfig(cfg),
		circuitBreaker: circuitBreaker,
		logger:         observability.GetLogger().With().Str("component", serviceName).Logger(),
	}
}

// ContentConfig returns the generation parameters and safety settings sent
// with every request
func ContentConfig(cfg *config.Config) *genai.GenerateContentConfig {
	temperature := cfg.GeminiTemperature
	topK := cfg.GeminiTopK
	topP := cfg.GeminiTopP

	safety := make([]*genai.SafetySetting, 0, len(harmCategories))
	for _, category := range harmCategories {
		safety = append(safety, &genai.SafetySetting{
			Category:  category,
			Threshold: genai.HarmBlockThreshold(cfg.GeminiSafetyThreshold),
		})
	}

	return &genai.GenerateContentConfig{
		Temperature:     &temperature,
		TopK:            &topK,
		TopP:            &topP,
		MaxOutputTokens: cfg.GeminiMaxOutputTokens,
		SafetySettings:  safety,
	}
}

// Contents builds the request body: a synthetic prior user turn carrying the
// system instruction, then the latest user text. Nothing else from the
// transcript is sent.
func Contents(req conversation.Request) []*genai.Content {
	return []*genai.Content{
		{
			Role:  "user",
			Parts: []*genai.Part{genai.NewPartFromText(req.SystemInstruction)},
		},
		{
			Role:  "user",
			Parts: []*genai.Part{genai.NewPartFromText(req.UserText)},
		},
	}
}

// Respond sends one request and returns the reply text. It never retries; an
// open circuit fails fast with resilience.ErrCircuitOpen.
func (c *Client) Respond(ctx context.Context, req conversation.Request) (string, error) {
	var reply string
	err := c.circuitBreaker.Call(func() error {
		resp, err := c.generate(ctx, c.model, Contents(req), c.contentConfig)
		if err != nil {
			return err
		}
		reply, err = ReplyText(resp)
		return err
	})

	if err != nil {
		kind := ClassifyError(err)
		if kind != "circuit_open" {
			observability.IncrementCircuitBreakerFailures(serviceName)
		}
		observability.RecordError(kind, serviceName)
		c.logger.Warn().
			Err(err).
			Str("kind", kind).
			Str("model", c.model).
			Msg("Gemini request failed")
		return "", fmt.Errorf("gemini generate content: %w", err)
	}

	c.logger.Debug().
		Str("model", c.model).
		Int("reply_chars", len(reply)).
		Msg("Gemini reply received")
	return reply, nil
}

// ReplyText extracts the text of the first candidate
func ReplyText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", errors.New("nil response")
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("%w: prompt %s", ErrBlocked, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "", errors.New("no candidates")
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", ErrBlocked
	}
	if candidate.Content == nil {
		return "", fmt.Errorf("candidate has no content (finish reason %q)", candidate.FinishReason)
	}

	var sb strings.Builder
	for _, p := range candidate.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	if sb.Len() == 0 {
		return "", conversation.ErrEmptyReply
	}
	return sb.String(), nil
}

// ClassifyError names an error kind for logs and metrics. Kinds are never
// shown to the user.
func ClassifyError(err error) string {
	var apiErr genai.APIError
	var gaxErr *apierror.APIError

	switch {
	case err == nil:
		return ""
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrBlocked):
		return "blocked"
	case errors.Is(err, conversation.ErrEmptyReply):
		return "empty"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.As(err, &apiErr), errors.As(err, &gaxErr):
		return "api"
	}
	return "unknown"
}

// HealthCheck reports unhealthy while the circuit is open
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	if state := c.circuitBreaker.GetState(); state == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}
