package ingest

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	gmtext "github.com/yuin/goldmark/text"
)

// Extractor converts raw document content to plain text.
type Extractor interface {
	Extract(content []byte) (string, error)
}

// ContentType identifies content for extractor selection.
type ContentType string

const (
	TypePlainText ContentType = "text/plain"
	TypeHTML      ContentType = "text/html"
	TypeMarkdown  ContentType = "text/markdown"
	TypePDF       ContentType = "application/pdf"
)

// ContentTypeFromExtension maps file extensions to content types.
func ContentTypeFromExtension(ext string) ContentType {
	switch strings.ToLower(ext) {
	case "md", "markdown":
		return TypeMarkdown
	case "html", "htm":
		return TypeHTML
	case "pdf":
		return TypePDF
	default:
		return TypePlainText
	}
}

// defaultExtractors maps every known content type to its extractor.
func defaultExtractors() map[ContentType]Extractor {
	return map[ContentType]Extractor{
		TypePlainText: PlainTextExtractor{},
		TypeMarkdown:  MarkdownExtractor{},
		TypeHTML:      HTMLExtractor{},
		TypePDF:       PDFExtractor{},
	}
}

// PlainTextExtractor returns content as-is.
type PlainTextExtractor struct{}

func (PlainTextExtractor) Extract(content []byte) (string, error) {
	return string(content), nil
}

// MarkdownExtractor parses markdown and walks the AST, keeping text and code
// content while dropping formatting.
type MarkdownExtractor struct{}

func (MarkdownExtractor) Extract(content []byte) (string, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	doc := md.Parser().Parse(gmtext.NewReader(content))

	var out strings.Builder
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock && out.Len() > 0 {
				out.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			out.Write(node.Segment.Value(content))
			if node.HardLineBreak() || node.SoftLineBreak() {
				out.WriteByte(' ')
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				out.Write(seg.Value(content))
			}
		case *ast.AutoLink:
			out.Write(node.URL(content))
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", fmt.Errorf("walk markdown: %w", err)
	}
	return collapseBlankLines(out.String()), nil
}

// HTMLExtractor extracts the readable article text from an HTML page.
type HTMLExtractor struct{}

func (HTMLExtractor) Extract(content []byte) (string, error) {
	article, err := readability.FromReader(bytes.NewReader(content), &url.URL{})
	if err != nil {
		return "", fmt.Errorf("extract html: %w", err)
	}
	return collapseBlankLines(article.TextContent), nil
}

// PDFExtractor extracts plain text from a PDF, page by page. Unreadable
// pages are skipped rather than failing the document.
type PDFExtractor struct{}

func (PDFExtractor) Extract(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty pdf content")
	}
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var out strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if out.Len() > 0 {
			out.WriteString("\n\n")
		}
		out.WriteString(text)
	}
	return out.String(), nil
}

// collapseBlankLines trims lines and squeezes runs of blank lines down to
// one paragraph break.
func collapseBlankLines(text string) string {
	var out strings.Builder
	blanks := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if out.Len() > 0 {
				blanks++
			}
			continue
		}
		if blanks > 0 {
			out.WriteString("\n\n")
		} else if out.Len() > 0 {
			out.WriteByte('\n')
		}
		out.WriteString(line)
		blanks = 0
	}
	return strings.TrimSpace(out.String())
}
