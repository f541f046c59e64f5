package orchestrate

import (
	"strings"

	"github.com/bookforge/bookforge/internal/provider"
)

// unionFold merges string lists with case-insensitive dedup in O(n),
// preserving first-seen casing and encounter order.
func unionFold(lists ...[]string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, list := range lists {
		for _, s := range list {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			key := strings.ToLower(s)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// mergeMetadata folds per-provider records, ordered highest priority first,
// into one view. Scalars take the first non-zero value, the description takes
// the longest, and authors/subjects union case-insensitively. extraSubjects
// carries results from subject-only providers into the same set.
func mergeMetadata(ordered []*provider.Metadata, extraSubjects [][]string) *provider.Metadata {
	var records []*provider.Metadata
	for _, md := range ordered {
		if md != nil {
			records = append(records, md)
		}
	}
	if len(records) == 0 && len(extraSubjects) == 0 {
		return nil
	}

	merged := &provider.Metadata{ExternalIDs: map[string]string{}}
	authorLists := make([][]string, 0, len(records))
	subjectLists := make([][]string, 0, len(records)+len(extraSubjects))

	for _, md := range records {
		if merged.ISBN == "" {
			merged.ISBN = md.ISBN
		}
		if merged.Title == "" {
			merged.Title = md.Title
		}
		if merged.Subtitle == "" {
			merged.Subtitle = md.Subtitle
		}
		if len(md.Description) > len(merged.Description) {
			merged.Description = md.Description
		}
		if merged.Publisher == "" {
			merged.Publisher = md.Publisher
		}
		if merged.PublishDate == "" {
			merged.PublishDate = md.PublishDate
		}
		if merged.Language == "" {
			merged.Language = md.Language
		}
		if merged.Binding == "" {
			merged.Binding = md.Binding
		}
		if merged.PageCount == 0 {
			merged.PageCount = md.PageCount
		}
		if merged.CoverURL == "" {
			merged.CoverURL = md.CoverURL
		}
		if merged.FirstPublish == 0 {
			merged.FirstPublish = md.FirstPublish
		}
		if merged.QualityScore == 0 {
			merged.QualityScore = md.QualityScore
		}
		if merged.Source == "" {
			merged.Source = md.Source
		}
		authorLists = append(authorLists, md.Authors)
		subjectLists = append(subjectLists, md.Subjects)
		merged.RelatedISBNs = unionFold(merged.RelatedISBNs, md.RelatedISBNs)
		for typ, val := range md.ExternalIDs {
			if _, ok := merged.ExternalIDs[typ]; !ok && val != "" {
				merged.ExternalIDs[typ] = val
			}
		}
	}
	subjectLists = append(subjectLists, extraSubjects...)

	merged.Authors = unionFold(authorLists...)
	merged.Subjects = unionFold(subjectLists...)
	return merged
}
