package delivery

import (
	"bytes"
	"io"
	"os"
	"sync"
)

// DefaultSpoolThreshold is the staging buffer size before bytes spill to a
// temporary file.
const DefaultSpoolThreshold = 512 << 10

var spoolBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, DefaultSpoolThreshold)
	},
}

// Spool buffers payload bytes in memory up to a threshold and spills to a
// temp file beyond it. Close releases the buffer and removes any spill file.
type Spool struct {
	threshold int64
	buf       []byte
	file      *os.File
	size      int64
	pooled    bool
}

// NewSpool returns a Spool that keeps at most threshold bytes in memory.
// A non-positive threshold spills on the first write.
func NewSpool(threshold int64) *Spool {
	sp := &Spool{threshold: threshold}
	if threshold <= 0 {
		return sp
	}
	if threshold == DefaultSpoolThreshold {
		if buf, ok := spoolBufPool.Get().([]byte); ok && int64(cap(buf)) >= threshold {
			sp.buf = buf[:0]
			sp.pooled = true
			return sp
		}
	}
	maxInt := int64(^uint(0) >> 1)
	if threshold > maxInt {
		threshold = maxInt
	}
	sp.buf = make([]byte, 0, int(threshold))
	return sp
}

func (sp *Spool) Write(p []byte) (int, error) {
	if sp.file != nil {
		n, err := sp.file.Write(p)
		sp.size += int64(n)
		return n, err
	}
	if int64(len(sp.buf))+int64(len(p)) <= sp.threshold {
		sp.buf = append(sp.buf, p...)
		sp.size += int64(len(p))
		return len(p), nil
	}
	f, err := os.CreateTemp("", "ingestd-spool-")
	if err != nil {
		return 0, err
	}
	if len(sp.buf) > 0 {
		if _, err := f.Write(sp.buf); err != nil {
			f.Close()
			_ = os.Remove(f.Name())
			return 0, err
		}
	}
	sp.releaseBuf()
	n, err := f.Write(p)
	if err != nil {
		f.Close()
		_ = os.Remove(f.Name())
		return n, err
	}
	sp.file = f
	sp.size += int64(n)
	return n, nil
}

// Size reports the total bytes written so far.
func (sp *Spool) Size() int64 {
	return sp.size
}

// Reader rewinds the spool and returns a reader over its full contents. The
// reader stays valid until Close.
func (sp *Spool) Reader() (io.ReadSeeker, error) {
	if sp.file != nil {
		if _, err := sp.file.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return sp.file, nil
	}
	return bytes.NewReader(sp.buf), nil
}

// Close releases the in-memory buffer back to the pool and removes the
// spill file when one exists.
func (sp *Spool) Close() error {
	if sp.file != nil {
		name := sp.file.Name()
		err := sp.file.Close()
		_ = os.Remove(name)
		sp.file = nil
		return err
	}
	sp.releaseBuf()
	return nil
}

func (sp *Spool) releaseBuf() {
	if sp.pooled && sp.buf != nil {
		spoolBufPool.Put(sp.buf[:0]) //nolint:staticcheck // pooling the value slice avoids an allocation per payload
	}
	sp.pooled = false
	sp.buf = nil
}
