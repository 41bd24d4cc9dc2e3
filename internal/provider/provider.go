// Package provider dispatches chat requests to upstream AI platforms.
//
// The routing core depends only on the Dispatcher interface; one adapter
// exists per wire protocol. Credentials stay behind CredentialSource so the
// core only ever sees the opaque handle stored on the account row.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/relaypool/relaypool/internal/models"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`    // system, user or assistant.
	Content string `json:"content"` // Plain-text content.
}

// ChatRequest is the platform-neutral request handed to a dispatcher.
type ChatRequest struct {
	Messages    []Message `json:"messages"`              // Conversation turns, oldest first.
	MaxTokens   int       `json:"max_tokens,omitempty"`  // Response token cap, 0 means provider default.
	Temperature *float64  `json:"temperature,omitempty"` // Sampling temperature, nil means provider default.
}

// EstimateTokens is the pre-call token estimate used for quota admission.
// Rough by design; the commit path reconciles against provider-reported
// actuals.
func (r *ChatRequest) EstimateTokens() int64 {
	if r == nil {
		return 0
	}
	var chars int64
	for _, message := range r.Messages {
		chars += int64(len(message.Content))
	}
	// Around four characters per token for mixed prose.
	estimated := chars/4 + int64(len(r.Messages))*4
	if r.MaxTokens > 0 {
		estimated += int64(r.MaxTokens)
	}
	if estimated < 1 {
		estimated = 1
	}
	return estimated
}

// ChatResponse is the platform-neutral result of one dispatch.
type ChatResponse struct {
	Message      Message `json:"message"`       // Assistant reply.
	Model        string  `json:"model"`         // Model the provider reports.
	InputTokens  int64   `json:"input_tokens"`  // Provider-reported prompt tokens.
	OutputTokens int64   `json:"output_tokens"` // Provider-reported completion tokens.
}

// Credentials is a resolved secret for one dispatch.
type Credentials struct {
	APIKey  string // Bearer or API key value.
	BaseURL string // Endpoint base, adapter default when empty.
}

// CredentialSource resolves an account's opaque credential handle.
type CredentialSource interface {
	Resolve(ctx context.Context, account *models.ProviderAccount) (Credentials, error)
}

// Dispatcher sends one chat request to a provider platform.
type Dispatcher interface {
	// Platform returns the platform key this dispatcher serves.
	Platform() string
	// Dispatch performs one bounded upstream call. Errors are either a
	// *ProviderError for upstream rejections or a transport error.
	Dispatch(ctx context.Context, account *models.ProviderAccount, model string, req *ChatRequest) (*ChatResponse, error)
}

// Error is a typed upstream rejection.
type Error struct {
	Platform   string // Platform that rejected the call.
	StatusCode int    // Upstream HTTP status.
	Message    string // Sanitized upstream message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s upstream %d: %s", e.Platform, e.StatusCode, e.Message)
}

// Retryable reports whether the failure may succeed on another candidate.
// Rate limits, timeouts and server errors are transient; auth and
// permission failures are permanent for the account that produced them.
func (e *Error) Retryable() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode == http.StatusRequestTimeout:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// Permanent reports an auth or permission failure that must not be retried
// on the same account.
func (e *Error) Permanent() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Registry maps platform keys to dispatchers.
type Registry struct {
	dispatchers map[string]Dispatcher
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{dispatchers: make(map[string]Dispatcher)}
}

// Register adds a dispatcher under one or more platform keys. Later
// registrations win; qwen registers the openai-compatible adapter twice.
func (r *Registry) Register(dispatcher Dispatcher, platforms ...string) {
	if len(platforms) == 0 {
		platforms = []string{dispatcher.Platform()}
	}
	for _, platform := range platforms {
		r.dispatchers[platform] = dispatcher
	}
}

// Dispatch routes the call to the adapter for the account's platform.
func (r *Registry) Dispatch(ctx context.Context, account *models.ProviderAccount, model string, req *ChatRequest) (*ChatResponse, error) {
	dispatcher, found := r.dispatchers[account.Platform]
	if !found {
		return nil, fmt.Errorf("provider: no dispatcher for platform %q", account.Platform)
	}
	return dispatcher.Dispatch(ctx, account, model, req)
}

// DefaultRegistry wires the built-in adapters with a shared HTTP client.
func DefaultRegistry(credentials CredentialSource, client *http.Client) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	registry := NewRegistry()
	registry.Register(NewOpenAIDispatcher(credentials, client), "openai", "qwen")
	registry.Register(NewClaudeDispatcher(credentials, client))
	registry.Register(NewGeminiDispatcher(credentials, client))
	return registry
}
