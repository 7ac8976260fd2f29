package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"voicerelay/internal/config"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// Relay error taxonomy. The pipeline reacts to all three the same way (the
// turn fails, no reply entry is written) but logs and metrics distinguish
// them.
var (
	ErrTimeout     = errors.New("relay: deadline exceeded")
	ErrRejected    = errors.New("relay: request rejected")
	ErrUnavailable = errors.New("relay: agent unavailable")
)

const systemInstruction = "You are a voice assistant. Respond concisely; " +
	"your reply will be converted to speech and played out loud."

// Service sends one utterance to the remote conversational agent and returns
// its reply. One call per turn, no streaming, no retry.
type Service struct {
	chatModel model.ToolCallingChatModel
	timeout   time.Duration
}

// NewService builds the provider-specific chat model named by
// cfg.BasicConfig.Provider.
func NewService(ctx context.Context, cfg *config.Config) (*Service, error) {
	provider := cfg.BasicConfig.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("init gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 1024,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}

	return &Service{
		chatModel: chatModel,
		timeout:   time.Duration(cfg.BasicConfig.RelayTimeout) * time.Second,
	}, nil
}

// FramePrompt wraps the user text with the correlation marker the remote
// agent sees. The marker carries the originating entry id so transcripts on
// the far side can be matched back to this log.
func FramePrompt(entryID int64, text string) string {
	return fmt.Sprintf("[Voice Message #%d] %s", entryID, text)
}

// Relay performs the single request/response exchange for one turn. entryID
// is the id of the user entry that started the turn; it rides along in the
// prompt as the correlation marker.
func (s *Service) Relay(ctx context.Context, entryID int64, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	messages := []*schema.Message{
		{Role: schema.System, Content: systemInstruction},
		{Role: schema.User, Content: FramePrompt(entryID, text)},
	}

	reply, err := s.chatModel.Generate(ctx, messages)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	content := strings.TrimSpace(reply.Content)
	if content == "" {
		return "", ErrRejected
	}
	return content, nil
}
