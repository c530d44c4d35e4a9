package parser

import (
	"regexp"
	"strings"

	"github.com/dshills/depcontext/pkg/types"
)

var mdHeading = regexp.MustCompile(`^(#{1,6})[ \t]+(.+?)[ \t#]*$`)

// MarkdownParser splits documents into heading sections
type MarkdownParser struct{}

func (p *MarkdownParser) Language() string { return "markdown" }

func (p *MarkdownParser) Parse(_ string, src []byte) *types.ParseResult {
	result := &types.ParseResult{Language: p.Language()}
	lines := newLineIndex(src)

	type heading struct {
		level int
		title string
		start int
	}
	var heads []heading
	fence := ""
	for li, ls := range lines {
		end := len(src)
		if li+1 < len(lines) {
			end = lines[li+1] - 1
		}
		text := strings.TrimRight(string(src[ls:end]), "\r")
		trimmed := strings.TrimSpace(text)
		if fence != "" {
			if strings.HasPrefix(trimmed, fence) {
				fence = ""
			}
			continue
		}
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			fence = trimmed[:3]
			continue
		}
		if sub := mdHeading.FindStringSubmatch(text); sub != nil {
			heads = append(heads, heading{level: len(sub[1]), title: sub[2], start: ls})
		}
	}

	var roots, stack []*node
	levels := make([]int, 0, 6)
	for i, h := range heads {
		end := len(src)
		for _, next := range heads[i+1:] {
			if next.level <= h.level {
				end = next.start
				break
			}
		}
		end = trimTrailingSpace(src, h.start, end)
		if end <= h.start {
			continue
		}

		for len(stack) > 0 && levels[len(levels)-1] >= h.level {
			stack, levels = stack[:len(stack)-1], levels[:len(levels)-1]
		}
		n := &node{decl: types.Declaration{
			Kind:      types.ChunkDoc,
			Name:      h.title,
			Signature: strings.Repeat("#", h.level) + " " + h.title,
			Start:     lines.position(h.start),
			End:       lines.endPosition(end),
			DocStart:  h.start,
		}}
		if len(stack) > 0 {
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, n)
		} else {
			roots = append(roots, n)
		}
		stack, levels = append(stack, n), append(levels, h.level)
	}

	result.Declarations = freezeAll(roots)
	return result
}

func trimTrailingSpace(src []byte, start, end int) int {
	for end > start && isSpace(src[end-1]) {
		end--
	}
	return end
}
