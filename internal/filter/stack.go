package filter

import (
	"bytes"
	"fmt"

	"github.com/sieveproxy/sieve/internal/httpmsg"
)

// Stage names the four hook points a filter may be installed on.
type Stage int

const (
	RequestHeaders Stage = iota
	RequestBody
	ResponseHeaders
	ResponseBody
)

func (s Stage) String() string {
	switch s {
	case RequestHeaders:
		return "request-headers"
	case RequestBody:
		return "request-body"
	case ResponseHeaders:
		return "response-headers"
	case ResponseBody:
		return "response-body"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// errFilterPanic wraps a recovered filter panic so the connection server
// can promote it to a 500 without tearing down the worker.
func errFilterPanic(r any) error {
	return fmt.Errorf("filter panic: %v", r)
}

// HeaderEntry is one registered header filter with its predicate.
type HeaderEntry struct {
	Rule   *Rule
	Filter HeaderFilter
}

// HeaderStack is an ordered stack of header filters for one stage.
// Registration must finish before serving starts; Select, Filter and EOD
// are then called per message by a single worker.
type HeaderStack struct {
	entries  []HeaderEntry
	selected []HeaderFilter
	active   httpmsg.Message
}

// Push appends an entry.
func (s *HeaderStack) Push(r *Rule, f HeaderFilter) {
	s.entries = append(s.entries, HeaderEntry{Rule: r, Filter: f})
}

// Insert places an entry at index i, shifting later entries down.
func (s *HeaderStack) Insert(i int, r *Rule, f HeaderFilter) {
	if i < 0 {
		i = 0
	}
	if i > len(s.entries) {
		i = len(s.entries)
	}
	s.entries = append(s.entries[:i], append([]HeaderEntry{{Rule: r, Filter: f}}, s.entries[i:]...)...)
}

// Remove deletes the entry at index i.
func (s *HeaderStack) Remove(i int) {
	if i < 0 || i >= len(s.entries) {
		return
	}
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
}

// All returns the registered entries in order.
func (s *HeaderStack) All() []HeaderEntry {
	out := make([]HeaderEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Select recomputes the selected subset for msg and calls Begin on each
// selected filter. Calling it again for the same message is a no-op.
func (s *HeaderStack) Select(req *httpmsg.Request, resp *httpmsg.Response, msg httpmsg.Message) {
	if s.active == msg {
		return
	}
	s.active = msg
	s.selected = s.selected[:0]
	for _, e := range s.entries {
		if e.Rule.Matches(req, resp) {
			s.selected = append(s.selected, e.Filter)
			e.Filter.Begin(msg)
		}
	}
}

// Filter runs the selected filters in registration order. A filter panic is
// returned as an error; remaining filters are skipped.
func (s *HeaderStack) Filter(ctx *Context, msg httpmsg.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errFilterPanic(r)
		}
	}()
	for _, f := range s.selected {
		f.FilterHeaders(ctx, msg.Header(), msg)
	}
	return nil
}

// EOD calls End on each selected filter and drops the selection, readying
// the stack for the next message.
func (s *HeaderStack) EOD() {
	for _, f := range s.selected {
		f.End()
	}
	s.selected = s.selected[:0]
	s.active = nil
}

// BodyEntry is one registered body filter with its predicate.
type BodyEntry struct {
	Rule   *Rule
	Filter BodyFilter
}

// BodyStack is an ordered stack of body filters for one stage. Each
// selected filter owns a carry buffer scoped to the current message: bytes
// it deposits there are prepended to its next chunk, and only that filter
// ever sees them.
type BodyStack struct {
	entries  []BodyEntry
	selected []BodyFilter
	carry    []bytes.Buffer
	active   httpmsg.Message
}

// Push appends an entry.
func (s *BodyStack) Push(r *Rule, f BodyFilter) {
	s.entries = append(s.entries, BodyEntry{Rule: r, Filter: f})
}

// Insert places an entry at index i, shifting later entries down.
func (s *BodyStack) Insert(i int, r *Rule, f BodyFilter) {
	if i < 0 {
		i = 0
	}
	if i > len(s.entries) {
		i = len(s.entries)
	}
	s.entries = append(s.entries[:i], append([]BodyEntry{{Rule: r, Filter: f}}, s.entries[i:]...)...)
}

// Remove deletes the entry at index i.
func (s *BodyStack) Remove(i int) {
	if i < 0 || i >= len(s.entries) {
		return
	}
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
}

// All returns the registered entries in order.
func (s *BodyStack) All() []BodyEntry {
	out := make([]BodyEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Select recomputes the selected subset and resets every carry buffer,
// calling Begin on each selected filter. Calling it again for the same
// message is a no-op.
func (s *BodyStack) Select(req *httpmsg.Request, resp *httpmsg.Response, msg httpmsg.Message) {
	if s.active == msg {
		return
	}
	s.active = msg
	s.selected = s.selected[:0]
	for _, e := range s.entries {
		if e.Rule.Matches(req, resp) {
			s.selected = append(s.selected, e.Filter)
			e.Filter.Begin(msg)
		}
	}
	s.carry = make([]bytes.Buffer, len(s.selected))
}

// Selected reports how many filters matched the current message.
func (s *BodyStack) Selected() int {
	return len(s.selected)
}

// WillModify reports whether any selected filter can alter the body.
func (s *BodyStack) WillModify() bool {
	for _, f := range s.selected {
		if f.WillModify() {
			return true
		}
	}
	return false
}

// Filter pushes one chunk through the selected filters: each filter's
// carry is prepended to its input, the carry cleared, and its output fed
// to the next filter. The final filter's output is the emission for this
// chunk.
func (s *BodyStack) Filter(data []byte, msg httpmsg.Message) (out []byte, err error) {
	return s.run(data, msg, false)
}

// FilterLast runs the chunk with last=true, forcing every filter to flush
// its held bytes, then calls End on each filter and drops the selection.
func (s *BodyStack) FilterLast(data []byte, msg httpmsg.Message) (out []byte, err error) {
	out, err = s.run(data, msg, true)
	for _, f := range s.selected {
		f.End()
	}
	s.EOD()
	return out, err
}

func (s *BodyStack) run(data []byte, msg httpmsg.Message, last bool) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, errFilterPanic(r)
		}
	}()
	for i, f := range s.selected {
		buf := &s.carry[i]
		if buf.Len() > 0 {
			merged := make([]byte, 0, buf.Len()+len(data))
			merged = append(merged, buf.Bytes()...)
			merged = append(merged, data...)
			buf.Reset()
			data = merged
		}
		data = f.FilterBody(data, msg, buf, last)
		if last {
			// carry is ignored on the final call
			buf.Reset()
		}
	}
	return data, nil
}

// EOD drops the selection and carry buffers.
func (s *BodyStack) EOD() {
	s.selected = s.selected[:0]
	s.carry = nil
	s.active = nil
}
