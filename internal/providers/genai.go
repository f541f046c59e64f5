package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bookforge/bookforge/internal/provider"
)

// buildGenPrompt asks a model for a strict JSON list so parsing stays dumb.
func buildGenPrompt(prompt string, count int) string {
	return fmt.Sprintf(`You are a book recommendation engine. %s

Return exactly a JSON array of at most %d objects, no prose, each shaped:
{"title": "...", "author": "...", "publish_date": "YYYY", "confidence": 0-100}
Only include real, published books.`, prompt, count)
}

// parseGeneratedBooks extracts the JSON array from a model reply, tolerating
// code fences and surrounding prose. Malformed entries are dropped.
func parseGeneratedBooks(raw, source string, fallbackConfidence int) []provider.GeneratedBook {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil
	}

	var entries []struct {
		Title       string `json:"title"`
		Author      string `json:"author"`
		PublishDate string `json:"publish_date"`
		Confidence  int    `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &entries); err != nil {
		return nil
	}

	books := make([]provider.GeneratedBook, 0, len(entries))
	for _, e := range entries {
		title := strings.TrimSpace(e.Title)
		author := strings.TrimSpace(e.Author)
		if title == "" || author == "" {
			continue
		}
		confidence := e.Confidence
		if confidence <= 0 || confidence > 100 {
			confidence = fallbackConfidence
		}
		books = append(books, provider.GeneratedBook{
			Title:       title,
			Author:      author,
			PublishDate: strings.TrimSpace(e.PublishDate),
			Confidence:  confidence,
			Source:      source,
		})
	}
	return books
}
