package httpmsg

import (
	"fmt"
	"io"
	"net/textproto"
	"strings"
)

// Field is a single header name/value pair.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered multimap of header fields. Names compare
// case-insensitively and are canonicalized on insertion; duplicates are
// preserved and iteration follows insertion order.
type Header struct {
	fields []Field
}

// Len returns the number of fields, counting duplicates.
func (h *Header) Len() int {
	return len(h.fields)
}

// Get returns the first value for name, or "" if absent.
func (h *Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether at least one field named name is present.
func (h *Header) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Values returns all values for name in insertion order.
func (h *Header) Values(name string) []string {
	var vs []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			vs = append(vs, f.Value)
		}
	}
	return vs
}

// Set replaces every field named name with a single field. The new field
// takes the position of the first replaced one, or is appended if name was
// absent.
func (h *Header) Set(name, value string) {
	name = textproto.CanonicalMIMEHeaderKey(name)
	out := h.fields[:0]
	replaced := false
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			if !replaced {
				out = append(out, Field{Name: name, Value: value})
				replaced = true
			}
			continue
		}
		out = append(out, f)
	}
	h.fields = out
	if !replaced {
		h.fields = append(h.fields, Field{Name: name, Value: value})
	}
}

// Add appends a field, preserving any existing fields with the same name.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: textproto.CanonicalMIMEHeaderKey(name), Value: value})
}

// Del removes every field named name.
func (h *Header) Del(name string) {
	out := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	h.fields = out
}

// Fields returns a copy of the fields in insertion order.
func (h *Header) Fields() []Field {
	out := make([]Field, len(h.fields))
	copy(out, h.fields)
	return out
}

// Clone returns a deep copy.
func (h *Header) Clone() *Header {
	c := &Header{fields: make([]Field, len(h.fields))}
	copy(c.fields, h.fields)
	return c
}

// Append appends a comma-separated element to the field named name,
// creating the field if absent. Used for list-valued headers such as Via
// and X-Forwarded-For.
func (h *Header) Append(name, value string) {
	for i := len(h.fields) - 1; i >= 0; i-- {
		if strings.EqualFold(h.fields[i].Name, name) {
			h.fields[i].Value += ", " + value
			return
		}
	}
	h.Add(name, value)
}

// TokenList returns the comma-separated tokens across every field named
// name, trimmed, empty tokens dropped.
func (h *Header) TokenList(name string) []string {
	var out []string
	for _, v := range h.Values(name) {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			if tok != "" {
				out = append(out, tok)
			}
		}
	}
	return out
}

// WriteTo serializes the fields as "Name: value" CRLF lines, without the
// terminating blank line.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, f := range h.fields {
		n, err := fmt.Fprintf(w, "%s: %s\r\n", f.Name, f.Value)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
