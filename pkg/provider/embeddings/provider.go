// Package embeddings defines the Provider interface for text embedding
// backends used by the memory layer's semantic search.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider maps text to dense vectors of a fixed dimensionality.
type Provider interface {
	// Embed returns the embedding of text. The result has length Dimensions().
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the length of every vector produced by Embed.
	Dimensions() int
}
