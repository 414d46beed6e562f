package discordbot

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const (
	openaiTTSModel = openai.TTSModel1
	openaiTTSVoice = openai.VoiceAlloy
)

// OpenAIClient is the subset of *openai.Client used by OpenAIBackend.
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
	CreateSpeech(
		ctx context.Context,
		request openai.CreateSpeechRequest,
	) (openai.RawResponse, error)
}

// OpenAIBackend is a ModelClient and SpeechSynthesizer for OpenAI and
// OpenAI-compatible chat completion APIs. The search flag is ignored.
type OpenAIBackend struct {
	client OpenAIClient
	logger *slog.Logger

	mu             sync.RWMutex
	requestLimiter *rate.Limiter
}

func NewOpenAIBackend(
	cfg *ModelConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) *OpenAIBackend {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	return newOpenAIBackend(openai.NewClientWithConfig(clientCfg), cfg, logger)
}

func newOpenAIBackend(
	client OpenAIClient,
	cfg *ModelConfig,
	logger *slog.Logger,
) *OpenAIBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIBackend{
		client:         client,
		logger:         logger.With(loggerNameKey, "openai"),
		requestLimiter: newRequestLimiter(cfg.RequestsPerMinute),
	}
}

func (o *OpenAIBackend) SetRequestsPerMinute(rpm int) {
	o.mu.Lock()
	o.requestLimiter = newRequestLimiter(rpm)
	o.mu.Unlock()
}

func (o *OpenAIBackend) waitOnRequestLimiter(ctx context.Context) error {
	o.mu.RLock()
	limiter := o.requestLimiter
	o.mu.RUnlock()
	return limiter.Wait(ctx)
}

func (o *OpenAIBackend) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return "", err
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemInstruction != "" {
		messages = append(
			messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: req.SystemInstruction,
			},
		)
	}
	messages = append(messages, openaiUserMessage(req.Prompt))

	o.logger.DebugContext(ctx, "creating chat completion", "model", req.Model)
	resp, err := o.client.CreateChatCompletion(
		ctx, openai.ChatCompletionRequest{
			Model:    req.Model,
			Messages: messages,
		},
	)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func openaiUserMessage(p Prompt) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	mp, ok := p.(MultipartPrompt)
	if !ok {
		msg.Content = p.Text()
		return msg
	}
	for _, part := range mp {
		switch pp := part.(type) {
		case TextPart:
			msg.MultiContent = append(
				msg.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: string(pp),
				},
			)
		case ImagePart:
			msg.MultiContent = append(
				msg.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    imageDataURL(pp.Image),
						Detail: openai.ImageURLDetailAuto,
					},
				},
			)
		}
	}
	return msg
}

func imageDataURL(img Image) string {
	var b strings.Builder
	b.WriteString("data:")
	b.WriteString(img.MIMEType)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(img.Data))
	return b.String()
}

// Synthesize returns speech for text as 24kHz signed 16-bit mono PCM.
func (o *OpenAIBackend) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return nil, err
	}
	resp, err := o.client.CreateSpeech(
		ctx, openai.CreateSpeechRequest{
			Model:          openaiTTSModel,
			Input:          text,
			Voice:          openaiTTSVoice,
			ResponseFormat: openai.SpeechResponseFormatPcm,
		},
	)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Close()
	}()
	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("reading speech response: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNoAudio
	}
	return data, nil
}
