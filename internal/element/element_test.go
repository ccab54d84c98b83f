package element

import (
	"testing"
)

func sampleElements() []any {
	return []any{
		map[string]any{
			"tag_name":    "a",
			"$el_text":    "Sign up",
			"attr__href":  "/signup",
			"attr__class": "btn btn-primary",
			"nth_child":   float64(2),
			"nth_of_type": float64(1),
		},
		map[string]any{
			"tag_name": "div",
			"attr__id": "header",
		},
	}
}

func TestParseAll(t *testing.T) {
	elements := ParseAll(sampleElements())

	if len(elements) != 2 {
		t.Fatalf("expected 2 elements, got %d", len(elements))
	}

	first := elements[0]
	if first.TagName != "a" {
		t.Errorf("TagName = %q, want a", first.TagName)
	}
	if first.Text != "Sign up" {
		t.Errorf("Text = %q", first.Text)
	}
	if first.Href != "/signup" {
		t.Errorf("Href = %q", first.Href)
	}
	if len(first.AttrClass) != 2 || first.AttrClass[0] != "btn" {
		t.Errorf("AttrClass = %v", first.AttrClass)
	}
	if first.NthChild == nil || *first.NthChild != 2 {
		t.Errorf("NthChild = %v", first.NthChild)
	}
	if first.Order != 0 || elements[1].Order != 1 {
		t.Errorf("orders = %d, %d", first.Order, elements[1].Order)
	}
	if elements[1].AttrID != "header" {
		t.Errorf("AttrID = %q", elements[1].AttrID)
	}
}

func TestParseAllSkipsNonObjects(t *testing.T) {
	elements := ParseAll([]any{"junk", float64(42), map[string]any{"tag_name": "p"}})
	if len(elements) != 1 {
		t.Fatalf("expected 1 element, got %d", len(elements))
	}
	if elements[0].TagName != "p" {
		t.Errorf("TagName = %q", elements[0].TagName)
	}
}

func TestChainStringDeterministic(t *testing.T) {
	a := ParseAll(sampleElements())
	b := ParseAll(sampleElements())

	if ChainString(a) != ChainString(b) {
		t.Error("same input produced different chains")
	}
	if HashOf(a) != HashOf(b) {
		t.Error("same input produced different hashes")
	}
}

func TestChainStringContent(t *testing.T) {
	chain := ChainString(ParseAll(sampleElements()))

	want := `a.btn.btn-primary:attr__class="btn btn-primary"attr__href="/signup"href="/signup"nth-child="2"nth-of-type="1"text="Sign up";div:attr__id="header"attr_id="header"`
	if chain != want {
		t.Errorf("chain = %q\nwant    %q", chain, want)
	}
}

func TestChainStringStripsQuotes(t *testing.T) {
	elements := ParseAll([]any{
		map[string]any{"tag_name": "span", "$el_text": `say "hi"`},
	})

	chain := ChainString(elements)
	if chain != `span:text="say hi"` {
		t.Errorf("chain = %q", chain)
	}
}

func TestHashDiffersOnOrder(t *testing.T) {
	forward := ParseAll(sampleElements())

	reversed := ParseAll([]any{sampleElements()[1], sampleElements()[0]})
	if HashOf(forward) == HashOf(reversed) {
		t.Error("reordered elements hashed equal")
	}
}

func TestEmptyTagDefaultsToDiv(t *testing.T) {
	chain := ChainString(ParseAll([]any{map[string]any{}}))
	if chain != "div:" {
		t.Errorf("chain = %q", chain)
	}
}
