package llm

import (
	"context"
	"fmt"
	"strings"
)

// Document is one retrieved excerpt.
type Document struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

// Retriever finds the k excerpts most relevant to text.
type Retriever interface {
	Query(ctx context.Context, text string, k int) ([]Document, error)
}

// FormatDocuments renders excerpts for the prompt's context section.
func FormatDocuments(docs []Document) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, fmt.Sprintf("%s %s ---\n%s", ExtractMarker, d.Source, d.Text))
	}
	return strings.Join(parts, "\n\n")
}
