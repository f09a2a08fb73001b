package backend

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultOpenAIModel is used when configuration does not name one.
const DefaultOpenAIModel = "gpt-4o"

// OpenAI generates patches through the OpenAI chat completion API.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates the provider. An empty model selects the default.
func NewOpenAI(apiKey, model string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: no API key provided")
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAI{
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

// Name implements Backend.
func (o *OpenAI) Name() string { return "openai" }

// GeneratePatch implements Backend.
func (o *OpenAI) GeneratePatch(ctx context.Context, req *Request) (*Response, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(req)},
		},
	})
	if err != nil {
		return nil, o.classify(err)
	}

	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: ErrMalformed, Backend: o.Name(), Err: fmt.Errorf("no choices in response")}
	}

	diffText := ExtractDiff(resp.Choices[0].Message.Content)
	if diffText == "" {
		return nil, &Error{Kind: ErrMalformed, Backend: o.Name(), Err: fmt.Errorf("response contains no diff")}
	}

	return &Response{DiffText: diffText, Model: o.model}, nil
}

// classify maps SDK errors onto the backend error taxonomy.
func (o *OpenAI) classify(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeout, Backend: o.Name(), Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429:
			return &Error{Kind: ErrQuota, Backend: o.Name(), Err: err}
		case 408, 504:
			return &Error{Kind: ErrTimeout, Backend: o.Name(), Err: err}
		case 400, 422:
			return &Error{Kind: ErrMalformed, Backend: o.Name(), Err: err}
		}
	}
	return &Error{Kind: ErrTransport, Backend: o.Name(), Err: err}
}
