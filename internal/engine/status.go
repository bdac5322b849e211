package engine

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"time"
)

// Worker status bytes written to the scoreboard pipe.
const (
	StatusAccept byte = 'A' // waiting in accept
	StatusBusy   byte = 'B' // serving a connection
	StatusIdle   byte = 'I' // between connections
)

// statusRecordSize is the fixed record layout on the status pipe:
// worker id as big-endian u32 followed by one status byte. Records are
// below PIPE_BUF, so concurrent worker writes never interleave.
const statusRecordSize = 5

// encodeStatus packs one status record.
func encodeStatus(id uint32, status byte) [statusRecordSize]byte {
	var rec [statusRecordSize]byte
	binary.BigEndian.PutUint32(rec[:4], id)
	rec[4] = status
	return rec
}

// decodeStatus unpacks one status record.
func decodeStatus(rec []byte) (id uint32, status byte) {
	return binary.BigEndian.Uint32(rec[:4]), rec[4]
}

// statusPipe carries worker status records to the parent. Workers share
// the write end; the parent drains the read end without blocking.
type statusPipe struct {
	r, w    *os.File
	pending []byte
}

func newStatusPipe() (*statusPipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &statusPipe{r: r, w: w}, nil
}

// send writes one record; each worker is the single writer of its own id.
func (p *statusPipe) send(id uint32, status byte) {
	rec := encodeStatus(id, status)
	_, _ = p.w.Write(rec[:])
}

// drain reads every complete record currently buffered in the pipe and
// reports them through fn. Incomplete tails are kept for the next drain.
func (p *statusPipe) drain(fn func(id uint32, status byte)) {
	buf := make([]byte, 4096)
	for {
		_ = p.r.SetReadDeadline(time.Now().Add(time.Millisecond))
		n, err := p.r.Read(buf)
		if n > 0 {
			p.pending = append(p.pending, buf[:n]...)
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) || err == io.EOF {
				break
			}
			break
		}
	}
	for len(p.pending) >= statusRecordSize {
		id, status := decodeStatus(p.pending[:statusRecordSize])
		p.pending = p.pending[statusRecordSize:]
		fn(id, status)
	}
}

func (p *statusPipe) close() {
	_ = p.w.Close()
	_ = p.r.Close()
}
