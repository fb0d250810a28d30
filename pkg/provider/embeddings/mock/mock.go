// Package mock provides a test double for the embeddings.Provider interface.
//
// Without a configured result the mock derives a deterministic vector from the
// input bytes, so equal texts embed equally.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxline/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// EmbedResult, if non-nil, is returned by every Embed call.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned as the error from Embed.
	EmbedErr error

	// DimensionsValue is returned by Dimensions. Zero means 8.
	DimensionsValue int

	// Texts records every text passed to Embed in order.
	Texts []string
}

// Embed records the call and returns the configured or derived vector.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Texts = append(p.Texts, text)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	if p.EmbedResult != nil {
		return p.EmbedResult, nil
	}
	vec := make([]float32, p.dims())
	for i := 0; i < len(text); i++ {
		vec[i%len(vec)] += float32(text[i]) / 255
	}
	return vec, nil
}

// Dimensions returns DimensionsValue, or 8 when unset.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dims()
}

func (p *Provider) dims() int {
	if p.DimensionsValue > 0 {
		return p.DimensionsValue
	}
	return 8
}

var _ embeddings.Provider = (*Provider)(nil)
