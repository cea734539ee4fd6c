package mailer

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/yuin/goldmark"
	goldmarkHTML "github.com/yuin/goldmark/renderer/html"

	"github.com/unclebandit/promo-mailer-backend/internal/model"
)

// Renderer turns campaign sections into an email body. Section content is
// markdown; raw HTML in it is escaped.
type Renderer struct {
	md goldmark.Markdown
}

func NewRenderer() *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithRendererOptions(
				goldmarkHTML.WithHardWraps(),
			),
		),
	}
}

// Render returns the HTML and plain-text bodies. Sections are emitted in
// slice order, each followed by its image when present.
func (r *Renderer) Render(subject string, sections []model.Section) (string, string, error) {
	var body bytes.Buffer
	var text strings.Builder

	body.WriteString("<!DOCTYPE html><html><head><meta charset=\"utf-8\"><title>")
	body.WriteString(html.EscapeString(subject))
	body.WriteString("</title></head><body>")

	for i, s := range sections {
		body.WriteString(`<div class="section">`)
		if err := r.md.Convert([]byte(s.Content), &body); err != nil {
			return "", "", fmt.Errorf("render section %d: %w", i, err)
		}
		if s.Image != "" {
			fmt.Fprintf(&body, `<img src="%s" alt="" style="max-width:100%%">`, html.EscapeString(s.Image))
		}
		body.WriteString("</div>")

		if i > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(strings.TrimSpace(s.Content))
		if s.Image != "" {
			text.WriteString("\n")
			text.WriteString(s.Image)
		}
	}

	body.WriteString("</body></html>")
	return body.String(), text.String(), nil
}
