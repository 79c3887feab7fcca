package docstore

import (
	"context"
	"errors"
)

// Passage is a ranked fragment returned by a document search.
type Passage struct {
	Text string
	Page int
}

// Item is one entry from an exhaustive extraction.
type Item struct {
	Text string
	Page int
}

// Highlight is a visual box on a document page, aligned with an
// extracted item so the client can render it over the rendered page.
type Highlight struct {
	Page   int     `json:"page"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Text   string  `json:"text"`
}

// Store answers existence and summary questions about uploaded documents.
type Store interface {
	Exists(ctx context.Context, documentID string) (bool, error)
	Summary(ctx context.Context, documentID string) (string, error)
}

// Searcher runs similarity search over one document.
type Searcher interface {
	Search(ctx context.Context, documentID, query string) ([]Passage, error)
}

// Extractor performs exhaustive extraction over one document.
type Extractor interface {
	ExtractAll(ctx context.Context, documentID, query string) ([]Item, []Highlight, error)
}

// ErrOwnerUnknown reports that the oracle has no ownership record for a
// document. Callers treat this as "allow": it covers documents uploaded
// before ownership tracking existed.
var ErrOwnerUnknown = errors.New("document owner unknown")

// OwnershipOracle maps a document to its owning user.
type OwnershipOracle interface {
	Owner(ctx context.Context, documentID string) (string, error)
}
