package boundarytest

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/goodguyjay/typstgo/boundary"
)

const pagebreak = "#pagebreak()"

var (
	warnCall  = regexp.MustCompile(`#warn\("([^"]*)"\)`)
	failCall  = regexp.MustCompile(`#fail\("([^"]*)"\)`)
	inputCall = regexp.MustCompile(`#sys\.inputs\.([A-Za-z_][A-Za-z0-9_-]*)`)
)

var closers = map[rune]rune{')': '(', ']': '[', '}': '{'}

type diagnostic struct {
	severity boundary.Severity
	message  string
	loc      boundary.Location
}

type output struct {
	success bool
	diags   []diagnostic
	pages   []string
}

type opener struct {
	r   rune
	loc boundary.Location
}

func compileSource(source []byte, inputs map[string]string) output {
	if !utf8.Valid(source) {
		return output{}
	}
	src := string(source)

	var out output
	out.diags = append(out.diags, checkDelimiters(src)...)

	for _, m := range warnCall.FindAllStringSubmatchIndex(src, -1) {
		out.diags = append(out.diags, diagnostic{
			severity: boundary.SeverityWarning,
			message:  src[m[2]:m[3]],
			loc:      locate(src, m[0], m[1]-m[0]),
		})
	}
	for _, m := range failCall.FindAllStringSubmatch(src, -1) {
		out.diags = append(out.diags, diagnostic{
			severity: boundary.SeverityError,
			message:  m[1],
		})
	}

	for _, d := range out.diags {
		if d.severity == boundary.SeverityError {
			return out
		}
	}

	src = inputCall.ReplaceAllStringFunc(src, func(s string) string {
		return inputs[strings.TrimPrefix(s, "#sys.inputs.")]
	})
	src = warnCall.ReplaceAllString(src, "")
	out.pages = strings.Split(src, pagebreak)
	out.success = true
	return out
}

func checkDelimiters(src string) []diagnostic {
	var (
		diags   []diagnostic
		stack   []opener
		line    uint32 = 1
		col     uint32 = 1
		inQuote bool
	)
	for _, r := range src {
		here := boundary.Location{Line: line, Column: col, Length: uint32(utf8.RuneLen(r))}
		switch {
		case r == '"':
			inQuote = !inQuote
		case inQuote:
		case r == '(' || r == '[' || r == '{':
			stack = append(stack, opener{r: r, loc: here})
		case closers[r] != 0:
			if len(stack) == 0 {
				diags = append(diags, diagnostic{
					severity: boundary.SeverityError,
					message:  "unexpected closing delimiter `" + string(r) + "`",
					loc:      here,
				})
				break
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if top.r != closers[r] {
				diags = append(diags, diagnostic{
					severity: boundary.SeverityError,
					message:  "mismatched delimiter `" + string(r) + "`",
					loc:      here,
				})
			}
		}
		if r == '\n' {
			line++
			col = 1
			inQuote = false
		} else {
			col++
		}
	}
	for _, o := range stack {
		diags = append(diags, diagnostic{
			severity: boundary.SeverityError,
			message:  "unclosed delimiter\nHint: add a matching `" + string(matching(o.r)) + "`",
			loc:      o.loc,
		})
	}
	return diags
}

func matching(r rune) rune {
	for c, o := range closers {
		if o == r {
			return c
		}
	}
	return r
}

// locate converts a byte offset into a 1-indexed line and column.
func locate(src string, offset, length int) boundary.Location {
	before := src[:offset]
	line := uint32(strings.Count(before, "\n") + 1)
	lineStart := strings.LastIndexByte(before, '\n') + 1
	col := uint32(utf8.RuneCountInString(before[lineStart:]) + 1)
	return boundary.Location{Line: line, Column: col, Length: uint32(length)}
}
