package httpmsg

import (
	"bufio"
	"fmt"
	"io"
	"net/http/httputil"
	"net/textproto"
	"strconv"
	"strings"
)

// ReadBody reads a message body from br as framed by h: chunked if
// Transfer-Encoding lists it, otherwise Content-Length bytes, otherwise no
// body. For chunked bodies any trailer fields are consumed and discarded.
func ReadBody(br *bufio.Reader, h *Header) ([]byte, error) {
	for _, tok := range h.TokenList("Transfer-Encoding") {
		if strings.EqualFold(tok, "chunked") {
			return ReadChunked(br)
		}
	}

	cl := h.Get("Content-Length")
	if cl == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: bad Content-Length %q", ErrMalformedRequest, cl)
	}
	if n == 0 {
		return nil, nil
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, err
	}
	return body, nil
}

// ReadChunked reads a complete chunked-coded body, consuming the trailer
// section.
func ReadChunked(br *bufio.Reader) ([]byte, error) {
	body, err := io.ReadAll(httputil.NewChunkedReader(br))
	if err != nil {
		return nil, err
	}
	// The chunked reader stops after the zero-length chunk; consume the
	// trailer section up to its blank line.
	tp := textproto.NewReader(br)
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
	}
	return body, nil
}

// WriteChunk writes data as one chunk in chunked transfer coding. Empty
// data writes nothing, since a zero-length chunk would terminate the body.
func WriteChunk(w io.Writer, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := fmt.Fprintf(w, "%x\r\n", len(data)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// WriteLastChunk terminates a chunked body.
func WriteLastChunk(w io.Writer) error {
	_, err := io.WriteString(w, "0\r\n\r\n")
	return err
}
