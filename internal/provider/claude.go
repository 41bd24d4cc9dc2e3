package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/relaypool/relaypool/internal/models"
)

const (
	defaultClaudeBaseURL   = "https://api.anthropic.com"
	claudeAPIVersion       = "2023-06-01"
	defaultClaudeMaxTokens = 4096
)

// ClaudeDispatcher speaks the Anthropic messages protocol.
type ClaudeDispatcher struct {
	credentials CredentialSource
	client      *http.Client
}

// NewClaudeDispatcher constructs the adapter.
func NewClaudeDispatcher(credentials CredentialSource, client *http.Client) *ClaudeDispatcher {
	return &ClaudeDispatcher{credentials: credentials, client: client}
}

// Platform returns the platform key.
func (d *ClaudeDispatcher) Platform() string { return "claude" }

type claudeRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type claudeResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Dispatch performs one messages call. System turns are lifted into the
// top-level system field the protocol requires.
func (d *ClaudeDispatcher) Dispatch(ctx context.Context, account *models.ProviderAccount, model string, req *ChatRequest) (*ChatResponse, error) {
	creds, errResolve := d.credentials.Resolve(ctx, account)
	if errResolve != nil {
		return nil, fmt.Errorf("resolve credentials: %w", errResolve)
	}

	upstream := claudeRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if upstream.MaxTokens <= 0 {
		upstream.MaxTokens = defaultClaudeMaxTokens
	}
	for _, message := range req.Messages {
		if message.Role == "system" {
			upstream.System = message.Content
			continue
		}
		upstream.Messages = append(upstream.Messages, message)
	}

	payload, errMarshal := json.Marshal(upstream)
	if errMarshal != nil {
		return nil, errMarshal
	}

	endpoint := joinURL(baseURL(account, creds, defaultClaudeBaseURL), "/v1/messages")
	httpReq, errReq := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if errReq != nil {
		return nil, errReq
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", creds.APIKey)
	httpReq.Header.Set("anthropic-version", claudeAPIVersion)

	resp, errDo := d.client.Do(httpReq)
	if errDo != nil {
		return nil, errDo
	}
	defer resp.Body.Close()

	body, errRead := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if errRead != nil {
		return nil, errRead
	}

	var decoded claudeResponse
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

	var text string
	for _, block := range decoded.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, &Error{Platform: account.Platform, StatusCode: resp.StatusCode, Message: "response carried no text content"}
	}

	return &ChatResponse{
		Message:      Message{Role: "assistant", Content: text},
		Model:        firstNonEmpty(decoded.Model, model),
		InputTokens:  decoded.Usage.InputTokens,
		OutputTokens: decoded.Usage.OutputTokens,
	}, nil
}
