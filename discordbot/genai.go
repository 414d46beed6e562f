package discordbot

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

const (
	ttsInstruction      = "Say the following message: "
	ttsResponseModality = "AUDIO"
)

var ErrNoAudio = errors.New("response contained no audio")

// GenAIModels is the subset of *genai.Models used by GenAIClient.
type GenAIModels interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// GenAIClient is a ModelClient and SpeechSynthesizer backed by the
// Gemini API.
type GenAIClient struct {
	models   GenAIModels
	ttsModel string
	ttsVoice string
	logger   *slog.Logger

	mu             sync.RWMutex
	requestLimiter *rate.Limiter
}

func NewGenAIClient(
	ctx context.Context,
	cfg *ModelConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) (*GenAIClient, error) {
	client, err := genai.NewClient(
		ctx, &genai.ClientConfig{
			APIKey:     cfg.APIKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: httpClient,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return newGenAIClient(client.Models, cfg, logger), nil
}

func newGenAIClient(
	models GenAIModels,
	cfg *ModelConfig,
	logger *slog.Logger,
) *GenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenAIClient{
		models:         models,
		ttsModel:       cmp.Or(cfg.TTSModel, DefaultTTSModel),
		ttsVoice:       cmp.Or(cfg.TTSVoice, DefaultTTSVoice),
		logger:         logger.With(loggerNameKey, "genai"),
		requestLimiter: newRequestLimiter(cfg.RequestsPerMinute),
	}
}

// SetRequestsPerMinute replaces the request limiter, for config reloads
func (c *GenAIClient) SetRequestsPerMinute(rpm int) {
	c.mu.Lock()
	c.requestLimiter = newRequestLimiter(rpm)
	c.mu.Unlock()
}

func (c *GenAIClient) waitOnRequestLimiter(ctx context.Context) error {
	c.mu.RLock()
	limiter := c.requestLimiter
	c.mu.RUnlock()
	return limiter.Wait(ctx)
}

func (c *GenAIClient) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if err := c.waitOnRequestLimiter(ctx); err != nil {
		return "", err
	}
	c.logger.DebugContext(
		ctx,
		"generating content",
		"model", req.Model,
		"search", req.Search,
	)

	config := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		config.SystemInstruction = genai.NewContentFromText(
			req.SystemInstruction,
			genai.RoleUser,
		)
	}
	if req.Search {
		config.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}

	resp, err := c.models.GenerateContent(
		ctx,
		req.Model,
		[]*genai.Content{genaiContent(req.Prompt)},
		config,
	)
	if err != nil {
		return "", err
	}
	return candidateText(resp), nil
}

// genaiContent converts a prompt to a single user turn
func genaiContent(p Prompt) *genai.Content {
	switch prompt := p.(type) {
	case TextPrompt:
		return genai.NewContentFromText(string(prompt), genai.RoleUser)
	case MultipartPrompt:
		parts := make([]*genai.Part, 0, len(prompt))
		for _, part := range prompt {
			switch pp := part.(type) {
			case TextPart:
				parts = append(parts, genai.NewPartFromText(string(pp)))
			case ImagePart:
				parts = append(parts, genai.NewPartFromBytes(pp.Data, pp.MIMEType))
			}
		}
		return genai.NewContentFromParts(parts, genai.RoleUser)
	default:
		return genai.NewContentFromText("", genai.RoleUser)
	}
}

// candidateText joins the text parts of the first candidate, leaving out
// thought summaries.
func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	content := resp.Candidates[0].Content
	if content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range content.Parts {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String()
}

// Synthesize returns speech for text as 24kHz signed 16-bit mono PCM.
func (c *GenAIClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if err := c.waitOnRequestLimiter(ctx); err != nil {
		return nil, err
	}
	resp, err := c.models.GenerateContent(
		ctx,
		c.ttsModel,
		genai.Text(ttsInstruction+text),
		&genai.GenerateContentConfig{
			ResponseModalities: []string{ttsResponseModality},
			SpeechConfig: &genai.SpeechConfig{
				VoiceConfig: &genai.VoiceConfig{
					PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{
						VoiceName: c.ttsVoice,
					},
				},
			},
		},
	)
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, ErrNoAudio
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return part.InlineData.Data, nil
		}
	}
	return nil, ErrNoAudio
}

// newRequestLimiter allows rpm requests per minute, with no burst.
// rpm <= 0 disables limiting.
func newRequestLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60), 1)
}
