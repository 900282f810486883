package dom

import (
	"sort"
	"strconv"
	"strings"
)

// renderedAttrs is the allowlist of attributes worth showing in the
// indexed listing, in display order
var renderedAttrs = []string{
	"type", "role", "name", "placeholder", "value", "href",
	"aria-label", "alt", "title", "checked", "selected", "disabled",
}

// Render formats the map in the indexed element notation:
//
//	[1]<button>Sign in</button>
//	*[2]<input type=email placeholder=Email></input>
//
// New-since-last-snapshot nodes carry a * prefix, nesting shows as
// indentation.
func (m *IndexMap) Render() string {
	var b strings.Builder
	for _, n := range m.Nodes {
		b.WriteString(strings.Repeat("\t", n.Depth))
		if n.New {
			b.WriteByte('*')
		}
		b.WriteByte('[')
		b.WriteString(strconv.Itoa(n.Index))
		b.WriteString("]<")
		b.WriteString(n.Tag)
		b.WriteString(renderAttrs(n.Attrs))
		b.WriteByte('>')
		b.WriteString(n.Text)
		b.WriteString("</")
		b.WriteString(n.Tag)
		b.WriteString(">\n")
	}
	return b.String()
}

func renderAttrs(attrs map[string]string) string {
	if len(attrs) == 0 {
		return ""
	}
	var b strings.Builder
	for _, key := range renderedAttrs {
		v, ok := attrs[key]
		if !ok {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(key)
		if v != "" {
			b.WriteByte('=')
			b.WriteString(quoteIfNeeded(v))
		}
	}
	// data-* attributes often carry the only stable identity on
	// framework-generated markup
	var dataKeys []string
	for k := range attrs {
		if strings.HasPrefix(k, "data-") {
			dataKeys = append(dataKeys, k)
		}
	}
	sort.Strings(dataKeys)
	for _, key := range dataKeys {
		b.WriteByte(' ')
		b.WriteString(key)
		if v := attrs[key]; v != "" {
			b.WriteByte('=')
			b.WriteString(quoteIfNeeded(v))
		}
	}
	return b.String()
}

func quoteIfNeeded(v string) string {
	if strings.ContainsAny(v, " \t<>") {
		return `"` + v + `"`
	}
	return v
}
