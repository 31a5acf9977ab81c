package pgargs

import (
	"strconv"
	"strings"
)

// braceEscaper doubles literal braces before scanning. The rewritten query is
// consumed by a final formatting pass that treats single braces as fragment holes.
var braceEscaper = strings.NewReplacer("{", "{{", "}", "}}")

// rewrite walks the template once, left to right, and substitutes the marker
// syntax:
//
//	$name     → positional placeholder ($1..$N, dedup by exact name)
//	${name}   → a {} fragment hole (occurrences are not deduplicated)
//	$[a, b]   → the raw column list, remembered as the pending group
//	$[..]     → the pending group's positional list ($i, $j, ...)
//
// It returns the rewritten query, the distinct parameter names in first-occurrence
// order, the fragment names in occurrence order, and all diagnostics found.
// Most diagnostics are recoverable and scanning continues; an ambiguous bracket
// or brace state aborts early and returns the query built so far.
func rewrite(template string) (string, []string, []string, []error) {
	inp := braceEscaper.Replace(template)

	var buf strings.Builder
	buf.Grow(len(inp) + 16)

	var names []string
	var fragments []string
	var diags []error

	// index of a name in names, assigning the next slot on first occurrence
	getIdx := func(ident string) int {
		for i, n := range names {
			if n == ident {
				return i
			}
		}
		names = append(names, ident)
		return len(names) - 1
	}

	// At most one column-list group may be pending at any point.
	var pending string
	pendingSet := false

	for {
		d := strings.IndexByte(inp, '$')
		if d < 0 {
			buf.WriteString(inp)
			break
		}
		buf.WriteString(inp[:d])
		inp = inp[d+1:]

		// Braces were pre-escaped, so a fragment marker now opens with "{{".
		isFragment := false
		if strings.HasPrefix(inp, "{{") {
			isFragment = true
			inp = inp[2:]
		}

		n := identLen(inp)
		ident := inp[:n]
		inp = inp[n:]

		if ident == "" {
			if isFragment {
				diags = append(diags, ErrFragmentIdent)
				return buf.String(), names, fragments, diags
			}

			if !strings.HasPrefix(inp, "[") {
				diags = append(diags, ErrExpectedIdent)
				return buf.String(), names, fragments, diags
			}
			inp = inp[1:]

			u := groupLen(inp)
			cols := inp[:u]
			inp = inp[u:]

			if !strings.HasPrefix(inp, "]") {
				diags = append(diags, ErrUnclosedGroup)
				return buf.String(), names, fragments, diags
			}
			inp = inp[1:]

			if cols == ".." {
				if !pendingSet {
					diags = append(diags, ErrGroupNotDefined)
					continue
				}
				buf.WriteString(pending)
				pending = ""
				pendingSet = false
				continue
			}

			// Group definition: index each entry, remember the positional list,
			// and emit the raw column-name text at this site.
			pieces := strings.Split(cols, ",")
			out := make([]string, 0, len(pieces))
			for _, piece := range pieces {
				id := strings.TrimSpace(piece)
				if id == "" {
					diags = append(diags, ErrEmptyGroupEntry)
					continue
				}
				out = append(out, "$"+strconv.Itoa(getIdx(id)+1))
			}
			if pendingSet {
				diags = append(diags, ErrGroupNotUsed)
			}
			pending = strings.Join(out, ", ")
			pendingSet = true
			buf.WriteString(cols)
			continue
		}

		if isFragment {
			if strings.HasPrefix(inp, "}}") {
				inp = inp[2:]
			} else {
				diags = append(diags, ErrFragmentUnclosed)
			}
			fragments = append(fragments, ident)
			buf.WriteString("{}")
			continue
		}

		buf.WriteByte('$')
		buf.WriteString(strconv.Itoa(getIdx(ident) + 1))
	}

	if pendingSet {
		diags = append(diags, ErrLastGroupNotUsed)
	}

	return buf.String(), names, fragments, diags
}

// expand performs the trailing formatting pass on a rewritten query: each {}
// hole is replaced by the next value in order, and the doubled braces produced
// by pre-escaping collapse back to literals. The caller guarantees that
// len(values) equals the number of holes.
func expand(q string, values []string) string {
	if len(values) == 0 && !strings.ContainsAny(q, "{}") {
		return q
	}

	var buf strings.Builder
	buf.Grow(len(q))

	vi := 0
	for i := 0; i < len(q); {
		c := q[i]
		switch {
		case c == '{' && i+1 < len(q) && q[i+1] == '}':
			if vi < len(values) {
				buf.WriteString(values[vi])
				vi++
			}
			i += 2
		case c == '{' && i+1 < len(q) && q[i+1] == '{':
			buf.WriteByte('{')
			i += 2
		case c == '}' && i+1 < len(q) && q[i+1] == '}':
			buf.WriteByte('}')
			i += 2
		default:
			buf.WriteByte(c)
			i++
		}
	}
	return buf.String()
}

// identLen returns the length of the maximal identifier run at the start of s.
func identLen(s string) int {
	i := 0
	for i < len(s) && isAlphaNumUnderscore(s[i]) {
		i++
	}
	return i
}

// groupLen returns the length of the raw column-list text at the start of s:
// identifier characters, ASCII whitespace, ',' and '.' are all part of it.
// The '.' keeps qualified names like tbl.col scanning as they always have.
func groupLen(s string) int {
	i := 0
	for i < len(s) && (isAlphaNumUnderscore(s[i]) || isASCIISpace(s[i]) || s[i] == ',' || s[i] == '.') {
		i++
	}
	return i
}

// isAlphaUnderscore reports whether b is [A-Za-z_] .
func isAlphaUnderscore(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || b == '_'
}

// isAlphaNumUnderscore reports whether b is [A-Za-z0-9_] .
func isAlphaNumUnderscore(b byte) bool {
	return isAlphaUnderscore(b) || (b >= '0' && b <= '9')
}

// isASCIISpace reports whether b is an ASCII whitespace byte.
func isASCIISpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}
