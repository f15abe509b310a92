package ingest

import (
	"strings"
	"testing"
)

func TestContentTypeFromExtension(t *testing.T) {
	cases := map[string]ContentType{
		"md":       TypeMarkdown,
		"markdown": TypeMarkdown,
		"HTML":     TypeHTML,
		"htm":      TypeHTML,
		"pdf":      TypePDF,
		"txt":      TypePlainText,
		"weird":    TypePlainText,
	}
	for ext, want := range cases {
		if got := ContentTypeFromExtension(ext); got != want {
			t.Errorf("ContentTypeFromExtension(%q) = %s, want %s", ext, got, want)
		}
	}
}

func TestMarkdownExtractorStripsFormatting(t *testing.T) {
	src := "# Title\n\nSome **bold** and *italic* text with a [link](https://example.com).\n\n" +
		"```go\nfmt.Println(\"kept\")\n```\n\n- item one\n- item two\n"
	text, err := MarkdownExtractor{}.Extract([]byte(src))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	for _, want := range []string{"Title", "bold", "italic", "link", "kept", "item one"} {
		if !strings.Contains(text, want) {
			t.Errorf("output %q lost %q", text, want)
		}
	}
	for _, bad := range []string{"**", "# ", "```", "](", "- item"} {
		if strings.Contains(text, bad) {
			t.Errorf("output %q kept markup %q", text, bad)
		}
	}
}

func TestMarkdownExtractorEmptyInput(t *testing.T) {
	text, err := MarkdownExtractor{}.Extract(nil)
	if err != nil {
		t.Fatal(err)
	}
	if text != "" {
		t.Errorf("output = %q, want empty", text)
	}
}

func TestPDFExtractorRejectsEmpty(t *testing.T) {
	if _, err := (PDFExtractor{}).Extract(nil); err == nil {
		t.Error("empty pdf accepted")
	}
	if _, err := (PDFExtractor{}).Extract([]byte("not a pdf")); err == nil {
		t.Error("garbage pdf accepted")
	}
}

func TestCollapseBlankLines(t *testing.T) {
	in := "  first  \n\n\n\nsecond\nthird\n\n"
	got := collapseBlankLines(in)
	want := "first\n\nsecond\nthird"
	if got != want {
		t.Errorf("collapseBlankLines = %q, want %q", got, want)
	}
}
