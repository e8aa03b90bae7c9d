package transform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"
)

const (
	vendorWebkit = "webkit"
	vendorMoz    = "moz"
	vendorMS     = "ms"
)

var vendorOrder = []string{vendorWebkit, vendorMoz, vendorMS}

// propertyPrefixes lists which vendors need a prefixed copy of a property
var propertyPrefixes = map[string][]string{
	"animation":                 {vendorWebkit},
	"animation-delay":           {vendorWebkit},
	"animation-direction":       {vendorWebkit},
	"animation-duration":        {vendorWebkit},
	"animation-fill-mode":       {vendorWebkit},
	"animation-iteration-count": {vendorWebkit},
	"animation-name":            {vendorWebkit},
	"animation-timing-function": {vendorWebkit},
	"align-content":             {vendorWebkit},
	"align-items":               {vendorWebkit},
	"align-self":                {vendorWebkit},
	"appearance":                {vendorWebkit, vendorMoz},
	"backdrop-filter":           {vendorWebkit},
	"backface-visibility":       {vendorWebkit},
	"box-sizing":                {vendorWebkit, vendorMoz},
	"column-count":              {vendorWebkit, vendorMoz},
	"column-gap":                {vendorWebkit, vendorMoz},
	"columns":                   {vendorWebkit, vendorMoz},
	"filter":                    {vendorWebkit},
	"flex":                      {vendorWebkit, vendorMS},
	"flex-basis":                {vendorWebkit},
	"flex-direction":            {vendorWebkit, vendorMS},
	"flex-flow":                 {vendorWebkit, vendorMS},
	"flex-grow":                 {vendorWebkit},
	"flex-shrink":               {vendorWebkit},
	"flex-wrap":                 {vendorWebkit, vendorMS},
	"hyphens":                   {vendorWebkit, vendorMS},
	"justify-content":           {vendorWebkit},
	"mask":                      {vendorWebkit},
	"mask-image":                {vendorWebkit},
	"order":                     {vendorWebkit},
	"tab-size":                  {vendorMoz},
	"text-size-adjust":          {vendorWebkit, vendorMoz, vendorMS},
	"transform":                 {vendorWebkit, vendorMS},
	"transform-origin":          {vendorWebkit, vendorMS},
	"transition":                {vendorWebkit},
	"user-select":               {vendorWebkit, vendorMoz, vendorMS},
}

type valuePrefix struct {
	vendor string
	value  string
}

// valuePrefixes maps property/value pairs to prefixed values
var valuePrefixes = map[string]map[string][]valuePrefix{
	"display": {
		"flex":        {{vendorWebkit, "-webkit-flex"}, {vendorMS, "-ms-flexbox"}},
		"inline-flex": {{vendorWebkit, "-webkit-inline-flex"}, {vendorMS, "-ms-inline-flexbox"}},
	},
	"position": {
		"sticky": {{vendorWebkit, "-webkit-sticky"}},
	},
}

// Prefix adds vendor-prefixed declarations for the browsers queried.
// An empty browser list disables prefixing.
func Prefix(browsers []string) Transform {
	vendors := VendorsFor(browsers)
	return perFile{name: "prefix", fn: func(_ context.Context, f File) (File, error) {
		if len(vendors) == 0 || f.Ext() != ".css" {
			return f, nil
		}
		out, lines, err := prefixLines(f.Contents, vendors)
		if err != nil {
			return f, err
		}
		f.Contents = out
		f.Lines = f.remapLines(lines)
		return f, nil
	}}
}

// VendorsFor resolves a browserslist-style query list to vendor prefixes.
// Queries select every vendor; "not ie" and "not firefox" drop -ms- and -moz-.
func VendorsFor(browsers []string) map[string]bool {
	if len(browsers) == 0 {
		return nil
	}

	vendors := map[string]bool{vendorWebkit: true, vendorMoz: true, vendorMS: true}
	excluded := map[string]bool{}
	for _, q := range browsers {
		q = strings.ToLower(strings.TrimSpace(q))
		if !strings.HasPrefix(q, "not ") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(q, "not "))
		if len(fields) > 0 {
			excluded[fields[0]] = true
		}
	}
	if excluded["ie"] {
		delete(vendors, vendorMS)
	}
	if excluded["firefox"] {
		delete(vendors, vendorMoz)
	}
	if excluded["chrome"] && excluded["safari"] {
		delete(vendors, vendorWebkit)
	}
	return vendors
}

type cssToken struct {
	tt   css.TokenType
	data []byte
}

func lexCSS(src []byte) ([]cssToken, error) {
	var toks []cssToken
	l := css.NewLexer(parse.NewInput(bytes.NewReader(src)))
	for {
		tt, data := l.Next()
		if tt == css.ErrorToken {
			if l.Err() != io.EOF {
				return nil, l.Err()
			}
			return toks, nil
		}
		toks = append(toks, cssToken{tt: tt, data: append([]byte(nil), data...)})
	}
}

// PrefixCSS rewrites a stylesheet with prefixed declarations inserted
// before the standard ones. Formatting of the input is preserved.
func PrefixCSS(src []byte, vendors map[string]bool) ([]byte, error) {
	out, _, err := prefixLines(src, vendors)
	return out, err
}

// prefixLines is PrefixCSS that also returns the input line of every output
// line. Inserted declarations belong to the declaration they precede.
func prefixLines(src []byte, vendors map[string]bool) ([]byte, []int, error) {
	toks, err := lexCSS(src)
	if err != nil {
		return nil, nil, fmt.Errorf("prefix: %w", err)
	}

	out := newLineWriter()
	p := &prefixer{vendors: vendors}
	p.write(out, toks)
	return out.Bytes(), out.lines, nil
}

type prefixer struct {
	vendors map[string]bool
	// generated marks a copy of input tokens, such as a prefixed @keyframes
	generated bool
}

func (p *prefixer) write(out *lineWriter, toks []cssToken) {
	seen := []map[string]bool{{}}
	atStart := true
	sep := []byte(" ")

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		switch t.tt {
		case css.LeftBraceToken:
			seen = append(seen, map[string]bool{})
			atStart = true
		case css.RightBraceToken:
			if len(seen) > 1 {
				seen = seen[:len(seen)-1]
			}
			atStart = true
		case css.SemicolonToken:
			atStart = true
		case css.WhitespaceToken:
			sep = t.data
		case css.CommentToken:
		case css.AtKeywordToken:
			if p.vendors[vendorWebkit] && strings.EqualFold(string(t.data), "@keyframes") {
				if end := matchBlock(toks, i); end > 0 {
					out.WriteString("@-webkit-keyframes")
					inner := &prefixer{vendors: map[string]bool{vendorWebkit: true}, generated: true}
					inner.write(out, toks[i+1:end+1])
					out.Write(separator(sep))
				}
			}
			atStart = false
		case css.IdentToken:
			if atStart {
				if colon, end, ok := declaration(toks, i); ok {
					p.emitPrefixed(out, toks, i, colon, end, seen[len(seen)-1], separator(sep))
				}
			}
			atStart = false
		default:
			atStart = false
		}
		if p.generated {
			out.Write(t.data)
		} else {
			out.copy(t.data)
		}
	}
}

func (p *prefixer) emitPrefixed(out *lineWriter, toks []cssToken, name, colon, end int, seen map[string]bool, sep []byte) {
	prop := strings.ToLower(string(toks[name].data))
	seen[prop] = true

	var value bytes.Buffer
	for _, t := range toks[colon+1 : end] {
		value.Write(t.data)
	}
	val := strings.TrimSpace(value.String())

	for _, vendor := range vendorOrder {
		if !p.vendors[vendor] || !contains(propertyPrefixes[prop], vendor) {
			continue
		}
		prefixed := "-" + vendor + "-" + prop
		if seen[prefixed] {
			continue
		}
		seen[prefixed] = true
		fmt.Fprintf(out, "%s: %s;", prefixed, val)
		out.Write(sep)
	}

	if byValue, ok := valuePrefixes[prop]; ok {
		bare := strings.ToLower(strings.TrimSpace(strings.TrimSuffix(val, "!important")))
		for _, vp := range byValue[bare] {
			if !p.vendors[vp.vendor] {
				continue
			}
			fmt.Fprintf(out, "%s: %s;", toks[name].data, strings.Replace(val, bare, vp.value, 1))
			out.Write(sep)
		}
	}
}

// declaration reports whether toks[i] starts a "name: value" declaration and
// returns the colon index and the index of the terminating token.
func declaration(toks []cssToken, i int) (colon, end int, ok bool) {
	j := i + 1
	for j < len(toks) && (toks[j].tt == css.WhitespaceToken || toks[j].tt == css.CommentToken) {
		j++
	}
	if j >= len(toks) || toks[j].tt != css.ColonToken {
		return 0, 0, false
	}

	k := j + 1
	for ; k < len(toks); k++ {
		switch toks[k].tt {
		case css.SemicolonToken, css.RightBraceToken:
			return j, k, true
		case css.LeftBraceToken:
			return 0, 0, false
		}
	}
	return j, k, true
}

// matchBlock returns the index of the brace closing the first block after i
func matchBlock(toks []cssToken, i int) int {
	depth := 0
	for j := i + 1; j < len(toks); j++ {
		switch toks[j].tt {
		case css.LeftBraceToken:
			depth++
		case css.RightBraceToken:
			depth--
			if depth == 0 {
				return j
			}
		case css.SemicolonToken:
			if depth == 0 {
				return -1
			}
		}
	}
	return -1
}

func separator(ws []byte) []byte {
	if idx := bytes.LastIndexByte(ws, '\n'); idx >= 0 {
		return ws[idx:]
	}
	return []byte(" ")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
