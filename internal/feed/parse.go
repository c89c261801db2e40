package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/amishk599/jobfeed/internal/model"
)

// Parse sniffs body and extracts its items. Bodies starting with '<' are
// read as RSS or Atom, anything else as JSON. A parseable feed without an
// item collection yields zero items; unparseable content wraps
// model.ErrMalformedFeed.
func Parse(body []byte) ([]model.RawItem, error) {
	trimmed := bytes.TrimSpace(body)
	if bytes.HasPrefix(trimmed, []byte("<")) {
		tree, err := parseXML(trimmed)
		if err != nil {
			return nil, fmt.Errorf("%w: xml: %v", model.ErrMalformedFeed, err)
		}
		return xmlItems(tree), nil
	}
	return jsonItems(trimmed)
}

// xmlItems looks for rss.channel.item, then feed.entry.
func xmlItems(tree map[string]any) []model.RawItem {
	for _, path := range [][]string{{"rss", "channel", "item"}, {"feed", "entry"}} {
		if v, ok := lookup(tree, path...); ok {
			return toItems(v)
		}
	}
	return []model.RawItem{}
}

// lookup walks nested maps, taking the first element of any list it meets
// on the way. Empty strings count as absent.
func lookup(tree map[string]any, path ...string) (any, bool) {
	var cur any = tree
	for _, key := range path {
		if list, ok := cur.([]any); ok {
			if len(list) == 0 {
				return nil, false
			}
			cur = list[0]
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	if s, ok := cur.(string); ok && s == "" {
		return nil, false
	}
	return cur, cur != nil
}

func jsonItems(body []byte) ([]model.RawItem, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: json: %v", model.ErrMalformedFeed, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: json: trailing data after document", model.ErrMalformedFeed)
	}

	switch v := doc.(type) {
	case []any:
		return toItems(v), nil
	case map[string]any:
		for _, key := range []string{"items", "results"} {
			if inner, ok := v[key]; ok && inner != nil {
				return toItems(inner), nil
			}
		}
		return []model.RawItem{v}, nil
	}
	return nil, fmt.Errorf("%w: json: %s", model.ErrMalformedFeed, errUnsupportedJSON)
}

var errUnsupportedJSON = errors.New("document is neither an object nor an array")

// toItems turns a collection value into items. A single object is a
// one-item collection.
func toItems(v any) []model.RawItem {
	switch t := v.(type) {
	case []any:
		items := make([]model.RawItem, 0, len(t))
		for _, e := range t {
			items = append(items, toItem(e))
		}
		return items
	case nil:
		return []model.RawItem{}
	default:
		return []model.RawItem{toItem(t)}
	}
}

func toItem(v any) model.RawItem {
	switch t := v.(type) {
	case map[string]any:
		return t
	case nil:
		return model.RawItem{}
	default:
		return model.RawItem{textKey: t}
	}
}
