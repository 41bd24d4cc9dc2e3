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

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

// GeminiDispatcher speaks the Google generateContent protocol.
type GeminiDispatcher struct {
	credentials CredentialSource
	client      *http.Client
}

// NewGeminiDispatcher constructs the adapter.
func NewGeminiDispatcher(credentials CredentialSource, client *http.Client) *GeminiDispatcher {
	return &GeminiDispatcher{credentials: credentials, client: client}
}

// Platform returns the platform key.
func (d *GeminiDispatcher) Platform() string { return "gemini" }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  *struct {
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
		Temperature     *float64 `json:"temperature,omitempty"`
	} `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Dispatch performs one generateContent call. Assistant turns map to the
// protocol's model role.
func (d *GeminiDispatcher) Dispatch(ctx context.Context, account *models.ProviderAccount, model string, req *ChatRequest) (*ChatResponse, error) {
	creds, errResolve := d.credentials.Resolve(ctx, account)
	if errResolve != nil {
		return nil, fmt.Errorf("resolve credentials: %w", errResolve)
	}

	var upstream geminiRequest
	for _, message := range req.Messages {
		part := []geminiPart{{Text: message.Content}}
		switch message.Role {
		case "system":
			upstream.SystemInstruction = &geminiContent{Parts: part}
		case "assistant":
			upstream.Contents = append(upstream.Contents, geminiContent{Role: "model", Parts: part})
		default:
			upstream.Contents = append(upstream.Contents, geminiContent{Role: "user", Parts: part})
		}
	}
	if req.MaxTokens > 0 || req.Temperature != nil {
		upstream.GenerationConfig = &struct {
			MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
			Temperature     *float64 `json:"temperature,omitempty"`
		}{MaxOutputTokens: req.MaxTokens, Temperature: req.Temperature}
	}

	payload, errMarshal := json.Marshal(upstream)
	if errMarshal != nil {
		return nil, errMarshal
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent",
		joinURL(baseURL(account, creds, defaultGeminiBaseURL), ""), model)
	httpReq, errReq := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if errReq != nil {
		return nil, errReq
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", creds.APIKey)

	resp, errDo := d.client.Do(httpReq)
	if errDo != nil {
		return nil, errDo
	}
	defer resp.Body.Close()

	body, errRead := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if errRead != nil {
		return nil, errRead
	}

	var decoded geminiResponse
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
	if len(decoded.Candidates) == 0 {
		return nil, &Error{Platform: account.Platform, StatusCode: resp.StatusCode, Message: "response carried no candidates"}
	}

	var text string
	for _, part := range decoded.Candidates[0].Content.Parts {
		text += part.Text
	}

	return &ChatResponse{
		Message:      Message{Role: "assistant", Content: text},
		Model:        model,
		InputTokens:  decoded.UsageMetadata.PromptTokenCount,
		OutputTokens: decoded.UsageMetadata.CandidatesTokenCount,
	}, nil
}
