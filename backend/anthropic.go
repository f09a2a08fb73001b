package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	// anthropicMaxTokens bounds each patch response.
	anthropicMaxTokens = 4096

	// anthropicRequestTimeout applies per attempt, inside the caller's
	// overall deadline.
	anthropicRequestTimeout = 60 * time.Second
)

// DefaultAnthropicModel is used when configuration does not name one.
const DefaultAnthropicModel = "claude-sonnet-4-5"

// Anthropic generates patches through the Anthropic Messages API.
type Anthropic struct {
	api   anthropic.Client
	model anthropic.Model
}

// NewAnthropic creates the provider. An empty model selects the
// default.
func NewAnthropic(apiKey, model string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: no API key provided")
	}
	if model == "" {
		model = DefaultAnthropicModel
	}
	return &Anthropic{
		api: anthropic.NewClient(
			option.WithAPIKey(apiKey),
			option.WithRequestTimeout(anthropicRequestTimeout),
		),
		model: anthropic.Model(model),
	}, nil
}

// Name implements Backend.
func (a *Anthropic) Name() string { return "anthropic" }

// GeneratePatch implements Backend.
func (a *Anthropic) GeneratePatch(ctx context.Context, req *Request) (*Response, error) {
	msg, err := a.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: anthropicMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(BuildPrompt(req))),
		},
	})
	if err != nil {
		return nil, a.classify(err)
	}

	var text string
	for i := range msg.Content {
		if block, ok := msg.Content[i].AsAny().(anthropic.TextBlock); ok {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, &Error{Kind: ErrMalformed, Backend: a.Name(), Err: fmt.Errorf("no text content in response")}
	}

	diffText := ExtractDiff(text)
	if diffText == "" {
		return nil, &Error{Kind: ErrMalformed, Backend: a.Name(), Err: fmt.Errorf("response contains no diff")}
	}

	return &Response{DiffText: diffText, Model: string(a.model)}, nil
}

// classify maps SDK errors onto the backend error taxonomy.
func (a *Anthropic) classify(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeout, Backend: a.Name(), Err: err}
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return &Error{Kind: ErrQuota, Backend: a.Name(), Err: err}
		case 408, 504:
			return &Error{Kind: ErrTimeout, Backend: a.Name(), Err: err}
		case 400, 422:
			return &Error{Kind: ErrMalformed, Backend: a.Name(), Err: err}
		}
	}
	return &Error{Kind: ErrTransport, Backend: a.Name(), Err: err}
}
