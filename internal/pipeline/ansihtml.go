package pipeline

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

var sgrRe = regexp.MustCompile(`\x1b\[([0-9;]*)m`)

// sgrStyles maps a subset of SGR parameter codes to inline CSS, enough to
// render common tool output (bold, basic 8-color foreground, reset).
var sgrStyles = map[int]string{
	0: "", // reset, handled specially
	1: "font-weight:bold",
	2: "opacity:0.7",
	3: "font-style:italic",
	4: "text-decoration:underline",
	30: "color:#000", 31: "color:#c00", 32: "color:#0a0", 33: "color:#a60",
	34: "color:#06c", 35: "color:#a0a", 36: "color:#0aa", 37: "color:#ccc",
	90: "color:#666", 91: "color:#f55", 92: "color:#5f5", 93: "color:#ff5",
	94: "color:#59f", 95: "color:#f5f", 96: "color:#5ff", 97: "color:#fff",
}

// RenderHTML converts raw (ANSI-laden) output into HTML with inline
// styled spans for recognized SGR codes, escaping everything else via
// stdlib html.EscapeString — the same hand-rolled, no-library technique
// used elsewhere in the pack for turning captured process output into a
// browsable artifact.
func RenderHTML(raw []byte) string {
	// Strip non-SGR escapes (cursor movement, OSC, etc.) first; only SGR
	// color/style codes carry meaning in a static HTML rendering.
	text := ansiRe.ReplaceAllStringFunc(string(raw), func(seq string) string {
		if sgrRe.MatchString(seq) {
			return seq
		}
		return ""
	})

	var b strings.Builder
	b.WriteString(`<pre class="session-output">`)

	openSpans := 0
	last := 0
	for _, loc := range sgrRe.FindAllStringSubmatchIndex(text, -1) {
		start, end := loc[0], loc[1]
		paramsStart, paramsEnd := loc[2], loc[3]

		b.WriteString(html.EscapeString(text[last:start]))

		params := text[paramsStart:paramsEnd]
		codes := parseSGRParams(params)
		for _, code := range codes {
			if code == 0 {
				for openSpans > 0 {
					b.WriteString("</span>")
					openSpans--
				}
				continue
			}
			if style, ok := sgrStyles[code]; ok && style != "" {
				b.WriteString(`<span style="` + style + `">`)
				openSpans++
			}
		}
		last = end
	}
	b.WriteString(html.EscapeString(text[last:]))
	for openSpans > 0 {
		b.WriteString("</span>")
		openSpans--
	}

	b.WriteString(`</pre>`)
	return b.String()
}

func parseSGRParams(params string) []int {
	if params == "" {
		return []int{0}
	}
	parts := strings.Split(params, ";")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			out = append(out, 0)
			continue
		}
		if n, err := strconv.Atoi(p); err == nil {
			out = append(out, n)
		}
	}
	return out
}
