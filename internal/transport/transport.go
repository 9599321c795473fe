// Package transport implements the length-framed document transport
// carrying requests and responses over a plain TCP connection (spec.md
// §6). Every document is written as a 4-byte big-endian length prefix
// followed by its gzip-compressed tree bytes, the synchronous reduction
// of the original's async_send_doc/async_receive_doc
// (send_receive_wml_helpers.ipp) to the single-threaded cooperative
// model in spec.md §5: there is exactly one goroutine per connection,
// and it blocks on read/write exactly where the original suspends a
// coroutine.
package transport

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"net"
	"os"

	"github.com/n-r-w/addonsrv/internal/apperr"
	"github.com/n-r-w/addonsrv/internal/doc"
)

// DefaultSizeLimit is the fallback cap on a decompressed document's
// size, matching the original's default_document_size_limit; a real
// deployment overrides it from internal/config.
const DefaultSizeLimit = 100 * 1024 * 1024

// Conn wraps a net.Conn with the framed document read/write protocol
// and the configured document size limit.
type Conn struct {
	net.Conn
	SizeLimit int64
}

// New wraps an already-accepted connection.
func New(c net.Conn, sizeLimit int64) *Conn {
	if sizeLimit <= 0 {
		sizeLimit = DefaultSizeLimit
	}
	return &Conn{Conn: c, SizeLimit: sizeLimit}
}

// ReadDoc blocks until a full framed, gzip-compressed document arrives
// and returns its parsed tree.
func (c *Conn) ReadDoc() (*doc.Node, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.Conn, lenBuf[:]); err != nil {
		return nil, apperr.E("transport.ReadDoc", apperr.IOFault, err)
	}
	n := int64(binary.BigEndian.Uint32(lenBuf[:]))
	if n < 0 || n > c.SizeLimit {
		return nil, apperr.E("transport.ReadDoc", apperr.InvalidRequest,
			io.ErrShortBuffer)
	}

	compressed := make([]byte, n)
	if _, err := io.ReadFull(c.Conn, compressed); err != nil {
		return nil, apperr.E("transport.ReadDoc", apperr.IOFault, err)
	}

	gr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, apperr.E("transport.ReadDoc", apperr.CorruptPack, err)
	}
	defer gr.Close()

	raw, err := io.ReadAll(io.LimitReader(gr, c.SizeLimit+1))
	if err != nil {
		return nil, apperr.E("transport.ReadDoc", apperr.CorruptPack, err)
	}
	if int64(len(raw)) > c.SizeLimit {
		return nil, apperr.E("transport.ReadDoc", apperr.InvalidRequest,
			io.ErrShortBuffer)
	}

	n2, err := doc.Unmarshal(raw)
	if err != nil {
		return nil, apperr.E("transport.ReadDoc", apperr.CorruptPack, err)
	}
	return n2, nil
}

// WriteDoc gzip-compresses n and writes it length-framed.
func (c *Conn) WriteDoc(n *doc.Node) error {
	raw, err := doc.Marshal(n)
	if err != nil {
		return apperr.E("transport.WriteDoc", apperr.Other, err)
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		gw.Close()
		return apperr.E("transport.WriteDoc", apperr.IOFault, err)
	}
	if err := gw.Close(); err != nil {
		return apperr.E("transport.WriteDoc", apperr.IOFault, err)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(buf.Len()))
	if _, err := c.Conn.Write(lenBuf[:]); err != nil {
		return apperr.E("transport.WriteDoc", apperr.IOFault, err)
	}
	if _, err := c.Conn.Write(buf.Bytes()); err != nil {
		return apperr.E("transport.WriteDoc", apperr.IOFault, err)
	}
	return nil
}

// WriteFile streams an already-gzip-compressed on-disk pack file
// straight onto the wire, length-framed, without re-reading it into a
// doc.Node — the Go equivalent of the original's async_send_file,
// which avoids decompressing and re-serializing packs it's just going
// to forward byte-for-byte.
func (c *Conn) WriteFile(path string, open func(string) (io.ReadCloser, int64, error)) error {
	f, size, err := open(path)
	if err != nil {
		return apperr.E("transport.WriteFile", apperr.IOFault, err)
	}
	defer f.Close()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(size))
	if _, err := c.Conn.Write(lenBuf[:]); err != nil {
		return apperr.E("transport.WriteFile", apperr.IOFault, err)
	}
	if _, err := io.Copy(c.Conn, f); err != nil {
		return apperr.E("transport.WriteFile", apperr.IOFault, err)
	}
	return nil
}

// OpenOSFile is the default opener for WriteFile: a plain os.Open plus
// an os.Stat for the frame's length prefix.
func OpenOSFile(path string) (io.ReadCloser, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}
