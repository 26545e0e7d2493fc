// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// The parser configuration never changes and a goldmark Parser is safe
// to share: parsing creates per-call state.
var (
	markdownParserInstance goldmark.Markdown
	markdownParserOnce     sync.Once
)

func getMarkdownParser() goldmark.Markdown {
	markdownParserOnce.Do(func() {
		markdownParserInstance = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdownParserInstance
}

// RenderMarkdown renders markdown (the staged INSTRUCTIONS.md) as
// styled terminal text wrapped to width. Soft line breaks become spaces
// so hard-wrapped source reflows. Indented code blocks hold shell
// commands and are highlighted as such.
func RenderMarkdown(input string, styles *Styles, width int) string {
	if input == "" {
		return ""
	}
	source := []byte(input)
	document := getMarkdownParser().Parser().Parse(text.NewReader(source))

	renderer := &markdownRenderer{source: source, styles: styles, width: width}
	ast.Walk(document, renderer.walk)
	return strings.TrimRight(renderer.output.String(), "\n") + "\n"
}

// markdownRenderer walks a goldmark AST directly rather than through
// goldmark's renderer interface: paragraphs collect their inline
// content in a buffer and are word-wrapped as a unit when they close.
type markdownRenderer struct {
	source []byte
	styles *Styles
	width  int

	output strings.Builder
	inline strings.Builder

	// linePrefix indents continuation lines of list items.
	linePrefix string

	// pendingBullet replaces linePrefix for the next emitted line.
	pendingBullet string

	boldCount   int
	italicCount int

	listStack []listState

	trailingNewlines int
}

type listState struct {
	ordered bool
	counter int
	tight   bool
	indent  int
}

func (r *markdownRenderer) currentWidth() int {
	return max(r.width-len(r.linePrefix), 20)
}

func (r *markdownRenderer) writeOutput(s string) {
	if s == "" {
		return
	}
	r.output.WriteString(s)
	trimmed := strings.TrimRight(s, "\n")
	if trimmed == "" {
		r.trailingNewlines += len(s)
		return
	}
	r.trailingNewlines = len(s) - len(trimmed)
}

func (r *markdownRenderer) ensureNewline() {
	if r.trailingNewlines < 1 {
		r.writeOutput("\n")
	}
}

func (r *markdownRenderer) ensureBlankLine() {
	if r.output.Len() == 0 {
		return
	}
	for r.trailingNewlines < 2 {
		r.writeOutput("\n")
	}
}

func (r *markdownRenderer) consumeLinePrefix() string {
	if r.pendingBullet != "" {
		bullet := r.pendingBullet
		r.pendingBullet = ""
		return bullet
	}
	return r.linePrefix
}

func (r *markdownRenderer) applyPrefixes(content string) string {
	lines := strings.Split(content, "\n")
	for index, line := range lines {
		if index == 0 {
			lines[index] = r.consumeLinePrefix() + line
		} else {
			lines[index] = r.linePrefix + line
		}
	}
	return strings.Join(lines, "\n")
}

func (r *markdownRenderer) flushInline() string {
	content := r.inline.String()
	r.inline.Reset()
	if content == "" {
		return ""
	}
	return r.applyPrefixes(ansi.Wrap(content, r.currentWidth(), " ,.;-+|"))
}

func (r *markdownRenderer) inTightList() bool {
	return len(r.listStack) > 0 && r.listStack[len(r.listStack)-1].tight
}

func (r *markdownRenderer) styledText(content string) string {
	style := r.styles.newStyle().Foreground(r.styles.Theme.NormalText)
	if r.boldCount > 0 {
		style = style.Bold(true)
	}
	if r.italicCount > 0 {
		style = style.Italic(true)
	}
	return style.Render(content)
}

// highlightCode highlights code with chroma when the output carries
// color, and renders it faint otherwise or when the language is
// unknown to chroma.
func (r *markdownRenderer) highlightCode(code, language string) string {
	if language == "" || !r.styles.Colored() {
		return r.styles.Faint(code)
	}
	formatter := "terminal256"
	if r.styles.renderer.ColorProfile() == termenv.TrueColor {
		formatter = "terminal16m"
	}
	var buffer strings.Builder
	if err := quick.Highlight(&buffer, code, language, formatter, "monokai"); err != nil {
		return r.styles.Faint(code)
	}
	return buffer.String()
}

func (r *markdownRenderer) codeLines(node ast.Node) string {
	var code strings.Builder
	lines := node.Lines()
	for index := 0; index < lines.Len(); index++ {
		segment := lines.At(index)
		code.Write(segment.Value(r.source))
	}
	return code.String()
}

func (r *markdownRenderer) writeCode(code, language string) {
	highlighted := r.highlightCode(strings.TrimRight(code, "\n"), language)
	r.ensureBlankLine()
	for _, line := range strings.Split(strings.TrimRight(highlighted, "\n"), "\n") {
		r.writeOutput(r.consumeLinePrefix() + "    " + line)
		r.ensureNewline()
	}
	r.ensureBlankLine()
}

func (r *markdownRenderer) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node.Kind() {
	case ast.KindParagraph, ast.KindTextBlock:
		if entering {
			r.inline.Reset()
			return ast.WalkContinue, nil
		}
		if flushed := r.flushInline(); flushed != "" {
			r.writeOutput(flushed)
			r.ensureNewline()
			if !r.inTightList() {
				r.ensureBlankLine()
			}
		}

	case ast.KindHeading:
		if entering {
			r.inline.Reset()
			return ast.WalkContinue, nil
		}
		content := ansi.Strip(r.inline.String())
		r.inline.Reset()
		if content == "" {
			break
		}
		r.ensureBlankLine()
		if node.(*ast.Heading).Level <= 1 {
			r.writeOutput(r.styles.Heading(content) + "\n" + r.styles.Rule(min(ansi.StringWidth(content), r.width)))
		} else {
			r.writeOutput(r.styles.Heading(content))
		}
		r.ensureNewline()
		r.ensureBlankLine()

	case ast.KindFencedCodeBlock:
		if entering {
			fenced := node.(*ast.FencedCodeBlock)
			r.writeCode(r.codeLines(node), string(fenced.Language(r.source)))
		}
		return ast.WalkSkipChildren, nil

	case ast.KindCodeBlock:
		if entering {
			r.writeCode(r.codeLines(node), "bash")
		}
		return ast.WalkSkipChildren, nil

	case ast.KindList:
		if entering {
			list := node.(*ast.List)
			r.listStack = append(r.listStack, listState{ordered: list.IsOrdered(), counter: list.Start, tight: list.IsTight})
			return ast.WalkContinue, nil
		}
		r.listStack = r.listStack[:len(r.listStack)-1]
		if !r.inTightList() {
			r.ensureBlankLine()
		}

	case ast.KindListItem:
		if len(r.listStack) == 0 {
			break
		}
		top := &r.listStack[len(r.listStack)-1]
		if entering {
			bullet := "- "
			if top.ordered {
				bullet = fmt.Sprintf("%d. ", top.counter)
				top.counter++
			}
			top.indent = len(bullet)
			r.pendingBullet = r.linePrefix + bullet
			r.linePrefix += strings.Repeat(" ", len(bullet))
			return ast.WalkContinue, nil
		}
		r.linePrefix = r.linePrefix[:len(r.linePrefix)-top.indent]
		if top.tight {
			r.ensureNewline()
		} else {
			r.ensureBlankLine()
		}

	case ast.KindThematicBreak:
		if entering {
			r.ensureBlankLine()
			r.writeOutput(r.styles.Rule(r.currentWidth()))
			r.ensureNewline()
			r.ensureBlankLine()
		}

	case ast.KindText:
		if entering {
			textNode := node.(*ast.Text)
			r.inline.WriteString(r.styledText(string(textNode.Segment.Value(r.source))))
			if textNode.SoftLineBreak() {
				r.inline.WriteString(" ")
			}
			if textNode.HardLineBreak() {
				r.inline.WriteString("\n")
			}
		}

	case ast.KindString:
		if entering {
			r.inline.WriteString(r.styledText(string(node.(*ast.String).Value)))
		}

	case ast.KindEmphasis:
		counter := &r.italicCount
		if node.(*ast.Emphasis).Level >= 2 {
			counter = &r.boldCount
		}
		if entering {
			*counter++
		} else {
			*counter--
		}

	case ast.KindCodeSpan:
		if entering {
			var code strings.Builder
			for child := node.FirstChild(); child != nil; child = child.NextSibling() {
				if textNode, ok := child.(*ast.Text); ok {
					code.Write(textNode.Segment.Value(r.source))
				}
			}
			r.inline.WriteString(r.styles.newStyle().Foreground(r.styles.Theme.HeaderForeground).Render(code.String()))
		}
		return ast.WalkSkipChildren, nil

	case ast.KindAutoLink:
		if entering {
			r.inline.WriteString(r.styles.Faint(string(node.(*ast.AutoLink).URL(r.source))))
		}
		return ast.WalkSkipChildren, nil

	case ast.KindLink:
		if !entering {
			if destination := string(node.(*ast.Link).Destination); destination != "" {
				r.inline.WriteString(" " + r.styles.Faint("("+destination+")"))
			}
		}
	}
	return ast.WalkContinue, nil
}
