package transport

import (
	"io"
	"net"
	"os"
	"testing"

	"github.com/n-r-w/addonsrv/internal/doc"
	"github.com/stretchr/testify/require"
)

func TestWriteDocThenReadDocRoundTrips(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := New(client, 0)
	sc := New(server, 0)

	n := doc.NewNode()
	n.Set("request", doc.Text("list"))

	errCh := make(chan error, 1)
	go func() { errCh <- cc.WriteDoc(n) }()

	got, err := sc.ReadDoc()
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Equal(t, "list", got.Get("request").AsString(""))
}

func TestReadDocRejectsOversizedFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := New(client, 0)
	sc := New(server, 4) // tiny size limit

	n := doc.NewNode()
	n.Set("request", doc.Text("list with a somewhat longer payload to compress"))

	go cc.WriteDoc(n)

	_, err := sc.ReadDoc()
	require.Error(t, err)
}

func TestWriteFileStreamsRawContentLengthFramed(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/blob.bin"
	content := []byte("raw gzip-compressed pack bytes")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sc := New(server, 0)
	errCh := make(chan error, 1)
	go func() {
		errCh <- sc.WriteFile(path, func(p string) (io.ReadCloser, int64, error) {
			f, err := os.Open(p)
			if err != nil {
				return nil, 0, err
			}
			st, err := f.Stat()
			if err != nil {
				f.Close()
				return nil, 0, err
			}
			return f, st.Size(), nil
		})
	}()

	var lenBuf [4]byte
	_, err := io.ReadFull(client, lenBuf[:])
	require.NoError(t, err)

	got := make([]byte, len(content))
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Equal(t, content, got)
}
