// Package preview turns message bodies into short plain-text snippets for
// conversation lists and live notifications.
package preview

import (
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

const (
	DefaultRunes = 120
	Attachment   = "[attachment]"
	ellipsis     = "…"
)

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Text renders markdown as plain text, collapses whitespace, and truncates to
// at most maxRunes runes (ellipsis included). maxRunes <= 0 uses DefaultRunes.
func Text(markdown string, maxRunes int) string {
	if maxRunes <= 0 {
		maxRunes = DefaultRunes
	}
	return truncate(collapse(plain(markdown)), maxRunes)
}

// ForBody previews a message body. Media-only bodies get a fixed label; text
// with media is prefixed with it.
func ForBody(body, mediaRef string, maxRunes int) string {
	if strings.TrimSpace(body) == "" {
		if mediaRef != "" {
			return Attachment
		}
		return ""
	}
	if maxRunes <= 0 {
		maxRunes = DefaultRunes
	}
	prefix := len([]rune(Attachment)) + 1
	if mediaRef != "" && maxRunes > prefix+1 {
		return Attachment + " " + Text(body, maxRunes-prefix)
	}
	return Text(body, maxRunes)
}

func plain(markdown string) string {
	src := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(src))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock {
				b.WriteByte(' ')
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			b.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(node.Value)
		case *ast.AutoLink:
			b.Write(node.Label(src))
			return ast.WalkSkipChildren, nil
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(src))
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

func collapse(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

func truncate(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes == 1 {
		return ellipsis
	}
	return strings.TrimRightFunc(string(runes[:maxRunes-1]), unicode.IsSpace) + ellipsis
}
