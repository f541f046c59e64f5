package persist

import (
	"strings"
	"unicode"
)

// mergeList unions string lists case-insensitively, preserving first-seen
// casing and order.
func mergeList(lists ...[]string) []string {
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

// pick returns incoming when the update is authoritative and incoming is
// set; otherwise it keeps existing unless existing is empty.
func pick(existing, incoming string, authoritative bool) string {
	if authoritative && incoming != "" {
		return incoming
	}
	if existing == "" {
		return incoming
	}
	return existing
}

func pickInt(existing, incoming int, authoritative bool) int {
	if authoritative && incoming != 0 {
		return incoming
	}
	if existing == 0 {
		return incoming
	}
	return existing
}

// mergeWork folds an incoming record into the stored one. Updates are
// monotonic on quality: an equal-or-better source overwrites scalars, a
// worse one only fills gaps. Arrays always union; description keeps the
// longest version either way.
func mergeWork(existing, incoming Work) Work {
	authoritative := incoming.QualityScore >= existing.QualityScore

	out := Work{
		Key:              existing.Key,
		Title:            pick(existing.Title, incoming.Title, authoritative),
		Subtitle:         pick(existing.Subtitle, incoming.Subtitle, authoritative),
		FirstPublishYear: pickInt(existing.FirstPublishYear, incoming.FirstPublishYear, authoritative),
		Subjects:         mergeList(existing.Subjects, incoming.Subjects),
		Authors:          mergeList(existing.Authors, incoming.Authors),
		QualityScore:     max(existing.QualityScore, incoming.QualityScore),
	}
	out.Description = existing.Description
	if len(incoming.Description) > len(out.Description) {
		out.Description = incoming.Description
	}
	out.PrimaryProvider, out.Contributors = mergeProvenance(
		existing.PrimaryProvider, existing.Contributors,
		incoming.PrimaryProvider, incoming.Contributors,
		authoritative)
	return out
}

// mergeEdition follows the same quality-monotonic rules as mergeWork. Cover
// URLs only move forward: an update without covers never clears them.
func mergeEdition(existing, incoming Edition) Edition {
	authoritative := incoming.QualityScore >= existing.QualityScore

	out := Edition{
		ISBN:         existing.ISBN,
		WorkKey:      pick(existing.WorkKey, incoming.WorkKey, false),
		Title:        pick(existing.Title, incoming.Title, authoritative),
		Subtitle:     pick(existing.Subtitle, incoming.Subtitle, authoritative),
		Publisher:    pick(existing.Publisher, incoming.Publisher, authoritative),
		PublishDate:  pick(existing.PublishDate, incoming.PublishDate, authoritative),
		Language:     pick(existing.Language, incoming.Language, authoritative),
		Binding:      pick(existing.Binding, incoming.Binding, authoritative),
		PageCount:    pickInt(existing.PageCount, incoming.PageCount, authoritative),
		CoverLarge:   pick(existing.CoverLarge, incoming.CoverLarge, false),
		CoverMedium:  pick(existing.CoverMedium, incoming.CoverMedium, false),
		CoverSmall:   pick(existing.CoverSmall, incoming.CoverSmall, false),
		RelatedISBNs: mergeList(existing.RelatedISBNs, incoming.RelatedISBNs),
		QualityScore: max(existing.QualityScore, incoming.QualityScore),
	}
	out.PrimaryProvider, out.Contributors = mergeProvenance(
		existing.PrimaryProvider, existing.Contributors,
		incoming.PrimaryProvider, incoming.Contributors,
		authoritative)
	return out
}

// mergeAuthor fills gaps; biographical facts rarely conflict, so existing
// values win except for empty fields.
func mergeAuthor(existing, incoming Author) Author {
	return Author{
		Key:         existing.Key,
		Name:        pick(existing.Name, incoming.Name, false),
		Gender:      pick(existing.Gender, incoming.Gender, false),
		Nationality: pick(existing.Nationality, incoming.Nationality, false),
		BirthYear:   pickInt(existing.BirthYear, incoming.BirthYear, false),
		DeathYear:   pickInt(existing.DeathYear, incoming.DeathYear, false),
		BirthPlace:  pick(existing.BirthPlace, incoming.BirthPlace, false),
		Biography:   pick(existing.Biography, incoming.Biography, false),
		PhotoURL:    pick(existing.PhotoURL, incoming.PhotoURL, false),
		WikidataID:  pick(existing.WikidataID, incoming.WikidataID, false),
	}
}

// mergeProvenance maintains primary_provider and the contributor list. The
// primary only changes on an authoritative update from a different provider;
// whoever isn't primary lands in contributors.
func mergeProvenance(curPrimary string, curContribs []string, newPrimary string, newContribs []string, authoritative bool) (string, []string) {
	primary := curPrimary
	if primary == "" || (authoritative && newPrimary != "") {
		primary = newPrimary
	}

	all := mergeList(curContribs, []string{curPrimary, newPrimary}, newContribs)
	contribs := make([]string, 0, len(all))
	for _, c := range all {
		if !strings.EqualFold(c, primary) {
			contribs = append(contribs, c)
		}
	}
	return primary, contribs
}

// WorkKey derives the stable work key from title and first author.
func WorkKey(title, firstAuthor string) string {
	key := slug(title)
	if a := slug(firstAuthor); a != "" {
		key += "--" + a
	}
	return key
}

// AuthorKey derives the stable author key from a name.
func AuthorKey(name string) string {
	return slug(name)
}

// slug lowercases and maps runs of non-alphanumerics to single hyphens.
func slug(s string) string {
	var b strings.Builder
	hyphen := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			hyphen = false
			continue
		}
		if !hyphen && b.Len() > 0 {
			b.WriteByte('-')
			hyphen = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
