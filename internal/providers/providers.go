package providers

import (
	"context"
)

// Request is a single text completion request
type Request struct {
	Model       string
	Temperature float64
	Prompt      string
}

// Provider defines the interface for an LLM provider
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
}
