package render

import (
	"bytes"
	_ "embed"
	"html"
	"strings"

	chromahtml "github.com/alecthomas/chroma/formatters/html"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/util"
	alertcallouts "github.com/zmtcreative/gm-alert-callouts"
)

const codeLangAttribute = "data-lang"

// Renderer turns markdown pane text into HTML using Goldmark with
// pre-configured extensions.
type Renderer struct {
	md goldmark.Markdown
}

//go:embed page.html
var pageTemplate string

func NewRenderer() *Renderer {
	md := goldmark.New(
		goldmark.WithExtensions(
			alertcallouts.AlertCallouts,
			extension.GFM,
			extension.Table,
			extension.Strikethrough,
			extension.TaskList,
			extension.Linkify,
			highlighting.NewHighlighting(
				highlighting.WithWrapperRenderer(renderHighlightedCodeWrapper),
				highlighting.WithFormatOptions(
					chromahtml.WithClasses(true),
				),
			),
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
	)
	return &Renderer{md: md}
}

// Markdown renders pane text to an HTML fragment. Common leading indentation
// is removed first so scripts can use indented template literals.
func (r *Renderer) Markdown(text string) (string, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(dedent(text)), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderShell returns the host page. Document content arrives later over
// the websocket, so only the title is filled in here.
func (r *Renderer) RenderShell(title string) string {
	return strings.Replace(pageTemplate, "{{TITLE}}", html.EscapeString(title), 1)
}

// dedent strips the indentation shared by all non-blank lines.
func dedent(text string) string {
	lines := strings.Split(text, "\n")
	prefix := -1
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		n := len(line) - len(strings.TrimLeft(line, " \t"))
		if prefix < 0 || n < prefix {
			prefix = n
		}
	}
	if prefix <= 0 {
		return text
	}
	for i, line := range lines {
		if len(line) >= prefix {
			lines[i] = line[prefix:]
		} else {
			lines[i] = strings.TrimLeft(line, " \t")
		}
	}
	return strings.Join(lines, "\n")
}

// renderHighlightedCodeWrapper wraps highlighted code blocks in a div that
// carries the fence language, so the host page can style panes per language.
func renderHighlightedCodeWrapper(w util.BufWriter, context highlighting.CodeBlockContext, entering bool) {
	lang, ok := codeBlockLanguage(context)
	if !ok {
		return
	}

	if entering {
		_, _ = w.WriteString("<div ")
		_, _ = w.WriteString(codeLangAttribute)
		_, _ = w.WriteString(`="`)
		_, _ = w.WriteString(html.EscapeString(lang))
		_, _ = w.WriteString(`">`)
		return
	}

	_, _ = w.WriteString("</div>")
}

func codeBlockLanguage(context highlighting.CodeBlockContext) (string, bool) {
	if context == nil {
		return "", false
	}
	lang, ok := context.Language()
	if !ok || len(lang) == 0 {
		return "", false
	}
	return string(lang), true
}
