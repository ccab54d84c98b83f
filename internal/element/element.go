// Package element normalizes the $elements payload attached to autocaptured
// UI events into an ordered element list, a chain string, and a stable
// content hash.
package element

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/spaolacci/murmur3"
)

// Element is one node of the DOM trail attached to an autocaptured event,
// ordered innermost first.
type Element struct {
	TagName    string
	Text       string
	Href       string
	AttrID     string
	AttrClass  []string
	NthChild   *int
	NthOfType  *int
	Attributes map[string]string
	Order      int
}

// Group is a content-addressed set of elements. Hash is deterministic over
// the ordered element list; (team_id, hash) is unique in the row store.
type Group struct {
	ID     int64
	Hash   string
	TeamID int64
}

const maxTextLength = 400

// ParseAll converts the raw $elements array into element rows. Entries that
// are not objects are skipped; order follows array position.
func ParseAll(raw []any) []Element {
	elements := make([]Element, 0, len(raw))
	for i, item := range raw {
		attrs, ok := item.(map[string]any)
		if !ok {
			continue
		}
		el := Element{
			TagName:    strings.ToLower(stringAttr(attrs, "tag_name")),
			Href:       stringAttr(attrs, "attr__href"),
			AttrID:     stringAttr(attrs, "attr__id"),
			Order:      i,
			Attributes: map[string]string{},
		}
		if text := stringAttr(attrs, "$el_text"); text != "" {
			el.Text = truncate(text, maxTextLength)
		} else if text := stringAttr(attrs, "text"); text != "" {
			el.Text = truncate(text, maxTextLength)
		}
		if classes := stringAttr(attrs, "attr__class"); classes != "" {
			el.AttrClass = strings.Fields(classes)
		}
		if n, ok := intAttr(attrs, "nth_child"); ok {
			el.NthChild = &n
		}
		if n, ok := intAttr(attrs, "nth_of_type"); ok {
			el.NthOfType = &n
		}
		for k, v := range attrs {
			if strings.HasPrefix(k, "attr__") {
				el.Attributes[k] = fmt.Sprint(v)
			}
		}
		elements = append(elements, el)
	}
	return elements
}

var chainQuotes = regexp.MustCompile(`"|'`)

// ChainString serializes an ordered element list to the chain format stored
// alongside events: one segment per element, innermost first, each carrying
// the tag, classes and sorted attributes.
func ChainString(elements []Element) string {
	segments := make([]string, 0, len(elements))
	for _, el := range elements {
		var b strings.Builder
		tag := el.TagName
		if tag == "" {
			tag = "div"
		}
		b.WriteString(tag)
		for _, class := range el.AttrClass {
			b.WriteString(".")
			b.WriteString(chainQuotes.ReplaceAllString(class, ""))
		}
		attrs := map[string]string{}
		if el.Text != "" {
			attrs["text"] = el.Text
		}
		if el.Href != "" {
			attrs["href"] = el.Href
		}
		if el.AttrID != "" {
			attrs["attr_id"] = el.AttrID
		}
		if el.NthChild != nil {
			attrs["nth-child"] = fmt.Sprint(*el.NthChild)
		}
		if el.NthOfType != nil {
			attrs["nth-of-type"] = fmt.Sprint(*el.NthOfType)
		}
		for k, v := range el.Attributes {
			attrs[k] = v
		}
		keys := make([]string, 0, len(attrs))
		for k := range attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(":")
		for _, k := range keys {
			fmt.Fprintf(&b, `%s="%s"`, k, chainQuotes.ReplaceAllString(attrs[k], ""))
		}
		segments = append(segments, b.String())
	}
	return strings.Join(segments, ";")
}

// HashOf fingerprints an ordered element list. Equal lists always hash
// equally, so element groups can be content-addressed.
func HashOf(elements []Element) string {
	h1, h2 := murmur3.Sum128([]byte(ChainString(elements)))
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(h1 >> (56 - 8*i))
		buf[8+i] = byte(h2 >> (56 - 8*i))
	}
	return hex.EncodeToString(buf[:])
}

func stringAttr(attrs map[string]any, key string) string {
	if v, ok := attrs[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

func intAttr(attrs map[string]any, key string) (int, bool) {
	switch v := attrs[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
