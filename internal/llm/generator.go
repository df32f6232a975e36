// Package llm calls generative text models and falls back across model tiers
// when a tier is rate limited.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrRateLimited marks a quota or throttling rejection. Generators wrap
	// provider errors with it so callers can test with errors.Is.
	ErrRateLimited = errors.New("rate limited")
	ErrNoGenerator = errors.New("no generator for model")
)

type Blob struct {
	MIMEType string
	Data     []byte
}

type HarmCategory string

const (
	HarmHateSpeech       HarmCategory = "hate_speech"
	HarmSexuallyExplicit HarmCategory = "sexually_explicit"
	HarmDangerousContent HarmCategory = "dangerous_content"
	HarmHarassment       HarmCategory = "harassment"
	HarmCivicIntegrity   HarmCategory = "civic_integrity"
)

type SafetySetting struct {
	Category HarmCategory
	// Block false disables filtering for the category.
	Block bool
}

// SafetyOff turns every content filter off.
func SafetyOff() []SafetySetting {
	return []SafetySetting{
		{Category: HarmHateSpeech},
		{Category: HarmSexuallyExplicit},
		{Category: HarmDangerousContent},
		{Category: HarmHarassment},
		{Category: HarmCivicIntegrity},
	}
}

type Request struct {
	Model           string
	System          string
	Content         string
	Blobs           []Blob
	Temperature     *float32
	MaxOutputTokens *int32
	Safety          []SafetySetting
}

type Usage struct {
	PromptTokens int
	OutputTokens int
	TotalTokens  int
}

type Response struct {
	Text  string
	Usage Usage
}

type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (*Response, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

func Float32(v float32) *float32 { return &v }

func Int32(v int32) *int32 { return &v }
