package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/relaypool/relaypool/internal/models"
)

const defaultOpenAIBaseURL = "https://api.openai.com"

// OpenAIDispatcher speaks the OpenAI chat completions protocol. Qwen and
// other compatible endpoints ride the same adapter with a base URL override
// on the account.
type OpenAIDispatcher struct {
	credentials CredentialSource
	client      *http.Client
}

// NewOpenAIDispatcher constructs the adapter.
func NewOpenAIDispatcher(credentials CredentialSource, client *http.Client) *OpenAIDispatcher {
	return &OpenAIDispatcher{credentials: credentials, client: client}
}

// Platform returns the platform key.
func (d *OpenAIDispatcher) Platform() string { return "openai" }

type openAIChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Dispatch performs one chat completion call.
func (d *OpenAIDispatcher) Dispatch(ctx context.Context, account *models.ProviderAccount, model string, req *ChatRequest) (*ChatResponse, error) {
	creds, errResolve := d.credentials.Resolve(ctx, account)
	if errResolve != nil {
		return nil, fmt.Errorf("resolve credentials: %w", errResolve)
	}

	payload, errMarshal := json.Marshal(openAIChatRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if errMarshal != nil {
		return nil, errMarshal
	}

	endpoint := joinURL(baseURL(account, creds, defaultOpenAIBaseURL), "/v1/chat/completions")
	httpReq, errReq := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if errReq != nil {
		return nil, errReq
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+creds.APIKey)

	resp, errDo := d.client.Do(httpReq)
	if errDo != nil {
		return nil, errDo
	}
	defer resp.Body.Close()

	body, errRead := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if errRead != nil {
		return nil, errRead
	}

	var decoded openAIChatResponse
	if errDecode := json.Unmarshal(body, &decoded); errDecode != nil && resp.StatusCode < 300 {
		return nil, &Error{Platform: account.Platform, StatusCode: resp.StatusCode, Message: "malformed response body"}
	}
	if resp.StatusCode >= 300 {
		message := http.StatusText(resp.StatusCode)
		if decoded.Error != nil && decoded.Error.Message != "" {
			message = decoded.Error.Message
		}
		return nil, &Error{Platform: account.Platform, StatusCode: resp.StatusCode, Message: message}
	}
	if len(decoded.Choices) == 0 {
		return nil, &Error{Platform: account.Platform, StatusCode: resp.StatusCode, Message: "response carried no choices"}
	}

	return &ChatResponse{
		Message:      decoded.Choices[0].Message,
		Model:        firstNonEmpty(decoded.Model, model),
		InputTokens:  decoded.Usage.PromptTokens,
		OutputTokens: decoded.Usage.CompletionTokens,
	}, nil
}

// maxResponseBytes caps how much of an upstream body is read.
const maxResponseBytes = 8 << 20

func baseURL(account *models.ProviderAccount, creds Credentials, fallback string) string {
	if account != nil && account.BaseURL != "" {
		return account.BaseURL
	}
	if creds.BaseURL != "" {
		return creds.BaseURL
	}
	return fallback
}

func joinURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + path
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
