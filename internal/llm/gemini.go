package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GeminiGenerator serves plain model names through the Gemini API.
type GeminiGenerator struct {
	client *genai.Client
}

func NewGeminiGenerator(ctx context.Context, apiKey string) (*GeminiGenerator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiGenerator{client: client}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	m := g.client.GenerativeModel(req.Model)
	configureModel(m, req)

	parts := []genai.Part{genai.Text(req.Content)}
	for _, b := range req.Blobs {
		parts = append(parts, genai.Blob{MIMEType: b.MIMEType, Data: b.Data})
	}

	resp, err := m.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, classifyGeminiError(err)
	}
	return convertGeminiResponse(resp), nil
}

func (g *GeminiGenerator) Close() error {
	return g.client.Close()
}

func configureModel(m *genai.GenerativeModel, req Request) {
	if strings.TrimSpace(req.System) != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.Temperature != nil {
		m.SetTemperature(*req.Temperature)
	}
	if req.MaxOutputTokens != nil {
		m.SetMaxOutputTokens(*req.MaxOutputTokens)
	}
	for _, s := range req.Safety {
		category, ok := geminiCategory(s.Category)
		if !ok {
			continue
		}
		threshold := genai.HarmBlockNone
		if s.Block {
			threshold = genai.HarmBlockMediumAndAbove
		}
		m.SafetySettings = append(m.SafetySettings, &genai.SafetySetting{
			Category:  category,
			Threshold: threshold,
		})
	}
}

// harmCategoryCivicIntegrity is HARM_CATEGORY_CIVIC_INTEGRITY in the API
// enum. The client library has no constant for it, but passes the value through.
const harmCategoryCivicIntegrity genai.HarmCategory = 11

func geminiCategory(c HarmCategory) (genai.HarmCategory, bool) {
	switch c {
	case HarmHateSpeech:
		return genai.HarmCategoryHateSpeech, true
	case HarmSexuallyExplicit:
		return genai.HarmCategorySexuallyExplicit, true
	case HarmDangerousContent:
		return genai.HarmCategoryDangerousContent, true
	case HarmHarassment:
		return genai.HarmCategoryHarassment, true
	case HarmCivicIntegrity:
		return harmCategoryCivicIntegrity, true
	default:
		return 0, false
	}
}

func convertGeminiResponse(resp *genai.GenerateContentResponse) *Response {
	out := &Response{}
	if resp == nil {
		return out
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{
			PromptTokens: int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
			TotalTokens:  int(u.TotalTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	out.Text = sb.String()
	return out
}

func classifyGeminiError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.ResourceExhausted {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return fmt.Errorf("gemini: %w", err)
}
