// Package normalize maps raw feed items of any dialect onto the canonical job
// shape. Normalisation is pure: the same item always yields the same result.
package normalize

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/amishk599/jobfeed/internal/model"
)

// Extractor resolves one candidate value from a raw item.
type Extractor struct {
	Name string
	Fn   func(model.RawItem) (string, bool)
}

// Extractors in priority order for each canonical field.
var (
	IdentityExtractors = []Extractor{
		field("guid"),
		field("id"),
		link("link"),
		field("job_id"),
	}
	TitleExtractors       = fields("title", "job_title")
	CompanyExtractors     = fields("dc:creator", "company", "company_name", "employer")
	DescriptionExtractors = fields("description", "summary", "content", "content:encoded")
	LocationExtractors    = fields("location", "job_location", "candidate_required_location")
)

// Normalize converts raw into a CanonicalItem attributed to feedIdentity.
// Items without any identity yield model.ErrIdentityMissing.
func Normalize(raw model.RawItem, feedIdentity string) (model.CanonicalItem, error) {
	id, ok := first(raw, IdentityExtractors)
	if !ok {
		return model.CanonicalItem{}, model.ErrIdentityMissing
	}

	title, _ := first(raw, TitleExtractors)
	company, _ := first(raw, CompanyExtractors)
	description, _ := first(raw, DescriptionExtractors)
	location, _ := first(raw, LocationExtractors)

	return model.CanonicalItem{
		ExternalID:  id,
		SourceFeed:  feedIdentity,
		Title:       title,
		Company:     company,
		Description: description,
		Location:    location,
		Raw:         raw,
	}, nil
}

// first returns the first non-empty value produced by extractors.
func first(raw model.RawItem, extractors []Extractor) (string, bool) {
	if raw == nil {
		return "", false
	}
	for _, ex := range extractors {
		if v, ok := ex.Fn(raw); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func field(name string) Extractor {
	return Extractor{
		Name: name,
		Fn: func(raw model.RawItem) (string, bool) {
			return Text(raw[name])
		},
	}
}

func fields(names ...string) []Extractor {
	out := make([]Extractor, len(names))
	for i, n := range names {
		out[i] = field(n)
	}
	return out
}

// link reads an RSS <link> text or the href of an Atom link, preferring
// rel="alternate" when several links are present.
func link(name string) Extractor {
	return Extractor{
		Name: name,
		Fn: func(raw model.RawItem) (string, bool) {
			switch v := raw[name].(type) {
			case string:
				return Text(v)
			case map[string]any:
				if href, ok := Text(v["href"]); ok {
					return href, true
				}
				return Text(v)
			case []any:
				var fallback string
				for _, l := range v {
					m, ok := l.(map[string]any)
					if !ok {
						if s, ok := Text(l); ok && fallback == "" {
							fallback = s
						}
						continue
					}
					href, ok := Text(m["href"])
					if !ok {
						continue
					}
					rel, _ := Text(m["rel"])
					if rel == "" || rel == "alternate" {
						return href, true
					}
					if fallback == "" {
						fallback = href
					}
				}
				return fallback, fallback != ""
			}
			return "", false
		},
	}
}

// Text extracts a trimmed string from a parsed XML or JSON value. Elements
// carrying attributes keep their character data under "_".
func Text(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case map[string]any:
		return Text(t["_"])
	case model.RawItem:
		return Text(t["_"])
	case []any:
		for _, e := range t {
			if s, ok := Text(e); ok {
				return s, true
			}
		}
	}
	return "", false
}
