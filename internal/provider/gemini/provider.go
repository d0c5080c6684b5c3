package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/addreams/internal/workflow"
	"github.com/MarkoPoloResearchLab/addreams/pkg/ledger"
	"google.golang.org/genai"
)

const (
	DefaultModel          = "gemini-2.5-flash-image"
	defaultRequestTimeout = 90 * time.Second
	modalityText          = "TEXT"
	modalityImage         = "IMAGE"
)

var ErrInvalidProviderConfig = errors.New("invalid gemini provider config")

// Provider generates workflow images with the Gemini API.
type Provider struct {
	client     *genai.Client
	model      string
	timeout    time.Duration
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Option configures a Provider.
type Option func(provider *Provider) error

// WithModel selects the image model.
func WithModel(model string) Option {
	return func(provider *Provider) error {
		trimmed := strings.TrimSpace(model)
		if trimmed == "" {
			return fmt.Errorf("%w: empty model", ErrInvalidProviderConfig)
		}
		provider.model = trimmed
		return nil
	}
}

// WithBaseURL points the client at a different endpoint.
func WithBaseURL(baseURL string) Option {
	return func(provider *Provider) error {
		provider.baseURL = strings.TrimSpace(baseURL)
		return nil
	}
}

// WithHTTPClient replaces the transport used by the SDK.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(provider *Provider) error {
		provider.httpClient = httpClient
		return nil
	}
}

// WithTimeout bounds a single generation call.
func WithTimeout(timeout time.Duration) Option {
	return func(provider *Provider) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: timeout must be positive", ErrInvalidProviderConfig)
		}
		provider.timeout = timeout
		return nil
	}
}

// New builds a Gemini-backed provider.
func New(ctx context.Context, apiKey string, options ...Option) (*Provider, error) {
	provider := &Provider{
		apiKey:  strings.TrimSpace(apiKey),
		model:   DefaultModel,
		timeout: defaultRequestTimeout,
	}
	if provider.apiKey == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrInvalidProviderConfig)
	}
	for _, option := range options {
		if err := option(provider); err != nil {
			return nil, err
		}
	}
	clientConfig := &genai.ClientConfig{
		APIKey:     provider.apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: provider.httpClient,
	}
	if provider.baseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: provider.baseURL}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	provider.client = client
	return provider, nil
}

// Supports reports the workflows the image model can serve.
func (provider *Provider) Supports(workflowName ledger.Workflow) bool {
	return workflowName == ledger.WorkflowImageFromText || workflowName == ledger.WorkflowImageFromReference
}

// Generate runs one image generation.
func (provider *Provider) Generate(ctx context.Context, request workflow.Request) (workflow.Response, error) {
	if !provider.Supports(request.Workflow) {
		return workflow.Response{}, workflow.ProviderFailure{Code: workflow.FailureUnsupportedWorkflow, Message: request.Workflow.String()}
	}
	callContext, cancel := context.WithTimeout(ctx, provider.timeout)
	defer cancel()

	contents := []*genai.Content{genai.NewContentFromParts(buildParts(request.Payload), genai.RoleUser)}
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{modalityText, modalityImage},
		ImageConfig:        &genai.ImageConfig{AspectRatio: request.Payload.AspectRatio},
	}
	response, err := provider.client.Models.GenerateContent(callContext, provider.model, contents, config)
	if err != nil {
		return workflow.Response{}, classifyError(err, provider.model)
	}
	return provider.extract(response)
}

func (provider *Provider) extract(response *genai.GenerateContentResponse) (workflow.Response, error) {
	if response == nil {
		return workflow.Response{}, workflow.ProviderFailure{Code: workflow.FailureEmptyOutput, Message: "empty response", Model: provider.model}
	}
	model := response.ModelVersion
	if model == "" {
		model = provider.model
	}
	result := workflow.Response{RequestID: response.ResponseID, Model: model}
	if response.PromptFeedback != nil && response.PromptFeedback.BlockReason != "" {
		return workflow.Response{}, workflow.ProviderFailure{
			Code:      workflow.FailureContentBlocked,
			Message:   fmt.Sprintf("prompt blocked: %s", response.PromptFeedback.BlockReason),
			RequestID: result.RequestID,
			Model:     model,
		}
	}
	var textParts []string
	for _, candidate := range response.Candidates {
		if candidate == nil {
			continue
		}
		if blockedFinish(candidate.FinishReason) {
			return workflow.Response{}, workflow.ProviderFailure{
				Code:      workflow.FailureContentBlocked,
				Message:   fmt.Sprintf("generation stopped: %s", candidate.FinishReason),
				RequestID: result.RequestID,
				Model:     model,
			}
		}
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				result.Images = append(result.Images, workflow.Image{MIMEType: part.InlineData.MIMEType, Data: part.InlineData.Data})
				continue
			}
			if text := strings.TrimSpace(part.Text); text != "" {
				textParts = append(textParts, text)
			}
		}
	}
	result.Text = strings.Join(textParts, "\n")
	if len(result.Images) == 0 {
		return workflow.Response{}, workflow.ProviderFailure{
			Code:      workflow.FailureEmptyOutput,
			Message:   "no image in response",
			RequestID: result.RequestID,
			Model:     model,
		}
	}
	return result, nil
}

func buildParts(payload workflow.Payload) []*genai.Part {
	parts := make([]*genai.Part, 0, 2)
	if payload.ReferenceImage != nil {
		parts = append(parts, genai.NewPartFromBytes(payload.ReferenceImage.Data, payload.ReferenceImage.MIMEType))
	}
	return append(parts, genai.NewPartFromText(composePrompt(payload)))
}

func composePrompt(payload workflow.Payload) string {
	lines := []string{payload.Prompt}
	if payload.ProductName != "" {
		lines = append(lines, "Product: "+payload.ProductName)
	}
	if payload.Style != "" {
		lines = append(lines, "Style: "+payload.Style)
	}
	lines = append(lines, "Aspect ratio: "+payload.AspectRatio)
	return strings.Join(lines, "\n")
}

func blockedFinish(reason genai.FinishReason) bool {
	switch reason {
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist,
		genai.FinishReasonSPII, genai.FinishReasonImageSafety:
		return true
	default:
		return false
	}
}

func classifyError(err error, model string) error {
	var apiError genai.APIError
	if !errors.As(err, &apiError) {
		var apiErrorPointer *genai.APIError
		if !errors.As(err, &apiErrorPointer) || apiErrorPointer == nil {
			return fmt.Errorf("gemini generate: %w", err)
		}
		apiError = *apiErrorPointer
	}
	return workflow.ProviderFailure{
		Code:    codeForStatus(apiError.Code, apiError.Status, apiError.Message),
		Message: apiError.Message,
		Model:   model,
		Cause:   err,
	}
}

func codeForStatus(httpStatus int, status string, message string) workflow.FailureCode {
	switch {
	case httpStatus == http.StatusTooManyRequests || status == "RESOURCE_EXHAUSTED":
		if strings.Contains(strings.ToLower(message), "quota") {
			return workflow.FailureQuotaExceeded
		}
		return workflow.FailureRateLimited
	case httpStatus == http.StatusBadRequest || status == "INVALID_ARGUMENT" || status == "FAILED_PRECONDITION":
		return workflow.FailureInvalidRequest
	case httpStatus == http.StatusGatewayTimeout || status == "DEADLINE_EXCEEDED":
		return workflow.FailureTimeout
	case httpStatus == http.StatusServiceUnavailable || httpStatus == http.StatusBadGateway || status == "UNAVAILABLE":
		return workflow.FailureProviderUnavailable
	default:
		return workflow.FailureProviderError
	}
}
