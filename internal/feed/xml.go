package feed

import (
	"encoding/xml"
	"strings"

	"github.com/clbanning/mxj/v2"
	"golang.org/x/net/html/charset"
)

// textKey holds the character data of elements that also carry attributes
// or children.
const textKey = "_"

// mxj conventions for attribute keys and mixed-content text.
const (
	mxjAttrPrefix = "-"
	mxjTextKey    = "#text"
)

func init() {
	// Feeds declare legacy encodings and use HTML entities like &nbsp;.
	mxj.CustomDecoder = &xml.Decoder{
		Strict:        true,
		Entity:        xml.HTMLEntity,
		CharsetReader: charset.NewReaderLabel,
	}
}

// parseXML converts an XML document into nested maps keyed by element name.
// Attributes are merged into their element's map, repeated children become
// lists, and text-only elements collapse to trimmed strings. Namespaced
// names keep their declared prefix ("dc:creator").
func parseXML(body []byte) (map[string]any, error) {
	m, err := mxj.NewMapXml(body)
	if err != nil {
		return nil, err
	}
	tree := map[string]any(m)

	ns := make(map[string]string)
	collectNamespaces(tree, ns)
	out, _ := tidy(tree, ns).(map[string]any)
	return out, nil
}

// collectNamespaces records every xmlns declaration as namespace URL -> prefix,
// "" for a default namespace.
func collectNamespaces(v any, ns map[string]string) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if prefix, ok := xmlnsPrefix(k); ok {
				if uri, ok := child.(string); ok {
					ns[uri] = prefix
				}
				continue
			}
			collectNamespaces(child, ns)
		}
	case []any:
		for _, child := range t {
			collectNamespaces(child, ns)
		}
	}
}

// tidy rewrites mxj's shape into the item shape: attribute markers dropped,
// "#text" renamed to textKey, namespace URLs replaced by their prefix and
// xmlns declarations removed. An element left with only text collapses to it.
func tidy(v any, ns map[string]string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		var attrs []string
		for k, child := range t {
			if _, ok := xmlnsPrefix(k); ok {
				continue
			}
			if strings.HasPrefix(k, mxjAttrPrefix) {
				attrs = append(attrs, k)
				continue
			}
			out[tidyKey(k, ns)] = tidy(child, ns)
		}
		// Child elements win over attributes of the same name.
		for _, k := range attrs {
			key := tidyKey(strings.TrimPrefix(k, mxjAttrPrefix), ns)
			if _, taken := out[key]; !taken {
				out[key] = tidy(t[k], ns)
			}
		}
		if len(out) == 0 {
			return ""
		}
		if text, ok := out[textKey]; ok && len(out) == 1 {
			return text
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = tidy(child, ns)
		}
		return out
	default:
		return v
	}
}

func tidyKey(k string, ns map[string]string) string {
	if k == mxjTextKey {
		return textKey
	}
	i := strings.LastIndex(k, ":")
	if i <= 0 {
		return k
	}
	space, local := k[:i], k[i+1:]
	if prefix, ok := ns[space]; ok {
		if prefix == "" {
			return local
		}
		return prefix + ":" + local
	}
	if strings.Contains(space, "/") {
		// Namespace URL without a declaration in the document.
		return local
	}
	return k
}

// xmlnsPrefix reports whether k is an xmlns declaration and the prefix it
// declares.
func xmlnsPrefix(k string) (string, bool) {
	switch {
	case k == mxjAttrPrefix+"xmlns":
		return "", true
	case strings.HasPrefix(k, mxjAttrPrefix+"xmlns:"):
		return strings.TrimPrefix(k, mxjAttrPrefix+"xmlns:"), true
	}
	return "", false
}
