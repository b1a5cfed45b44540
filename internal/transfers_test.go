package internal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
)

// fakeCaptureShell answers directory queries with dir and records lines.
type fakeCaptureShell struct {
	dir string
	err error

	mu    sync.Mutex
	lines []string
}

func (f *fakeCaptureShell) QueryRemoteDirectory(context.Context) (string, error) {
	return f.dir, f.err
}

func (f *fakeCaptureShell) WriteLine(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, text)
	return nil
}

func (f *fakeCaptureShell) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

// pipeFiles serves sftp on the local file system over an in-memory pipe.
func pipeFiles(t *testing.T) func() (RemoteFiles, error) {
	return func() (RemoteFiles, error) {
		c1, c2 := net.Pipe()

		srv, err := sftp.NewServer(c1)
		if err != nil {
			return nil, err
		}
		go srv.Serve()
		t.Cleanup(func() { srv.Close() })

		return sftp.NewClientPipe(c2, c2)
	}
}

type transferFixture struct {
	*Transfers
	shell     *fakeCaptureShell
	out       *syncBuffer
	remoteDir string
}

func newTransferFixture(t *testing.T) *transferFixture {
	t.Helper()

	d, out := newTestDisplay()
	shell := &fakeCaptureShell{dir: t.TempDir()}

	return &transferFixture{
		Transfers: &Transfers{
			Shell:       shell,
			OpenFiles:   pipeFiles(t),
			Display:     d,
			Host:        "10.0.0.5",
			DownloadDir: filepath.Join(t.TempDir(), "downloads"),
		},
		shell:     shell,
		out:       out,
		remoteDir: shell.dir,
	}
}

func TestDownload(t *testing.T) {
	f := newTransferFixture(t)
	content := []byte("quarterly numbers\n")
	require.NoError(t, os.WriteFile(filepath.Join(f.remoteDir, "report.txt"), content, 0o644))

	f.Download(context.Background(), "report.txt")

	got, err := os.ReadFile(filepath.Join(f.DownloadDir, "report.txt"))
	require.NoError(t, err)
	require.Equal(t, content, got)

	require.Equal(t, []string{"false"}, f.shell.Lines())
	require.Contains(t, f.out.String(),
		"Downloading from 10.0.0.5:"+f.remoteDir+"/report.txt to "+filepath.Join(f.DownloadDir, "report.txt"))
	require.Contains(t, f.out.String(), "File is downloaded successfully")
}

func TestDownloadMissingFile(t *testing.T) {
	f := newTransferFixture(t)

	f.Download(context.Background(), "missing.txt")

	require.Contains(t, f.out.String(), "no such file "+f.remoteDir+"/missing.txt")
	require.NotContains(t, f.out.String(), "downloaded successfully")
	require.Equal(t, []string{"false"}, f.shell.Lines())

	_, err := os.Stat(filepath.Join(f.DownloadDir, "missing.txt"))
	require.ErrorIs(t, err, os.ErrNotExist)

	// The controller stays usable afterwards.
	require.NoError(t, os.WriteFile(filepath.Join(f.remoteDir, "later.txt"), []byte("ok"), 0o644))
	f.Download(context.Background(), "later.txt")
	require.Equal(t, []string{"false", "false"}, f.shell.Lines())
}

func TestDownloadRejectsPath(t *testing.T) {
	f := newTransferFixture(t)

	for _, name := range []string{"../escape.txt", "../../etc/cron.d/job", "sub/report.txt", "/etc/passwd", ".."} {
		f.Download(context.Background(), name)
		require.Contains(t, f.out.String(), "get "+name+": not a plain file name")
	}

	require.Empty(t, f.shell.Lines())
	require.NotContains(t, f.out.String(), "Downloading from")
	_, err := os.Stat(filepath.Join(f.DownloadDir, "..", "escape.txt"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestPlainFileName(t *testing.T) {
	require.True(t, plainFileName("report.txt"))
	require.True(t, plainFileName(".bashrc"))
	require.True(t, plainFileName("a..b"))

	require.False(t, plainFileName(""))
	require.False(t, plainFileName("."))
	require.False(t, plainFileName(".."))
	require.False(t, plainFileName("../x"))
	require.False(t, plainFileName("dir/x"))
	require.False(t, plainFileName("/x"))
}

// cutReader fails every read once n bytes have been read from r.
type cutReader struct {
	r io.Reader
	n int
}

func (c *cutReader) Read(p []byte) (int, error) {
	if c.n <= 0 {
		return 0, errors.New("connection reset by peer")
	}
	if len(p) > c.n {
		p = p[:c.n]
	}
	n, err := c.r.Read(p)
	c.n -= n
	return n, err
}

func TestDownloadRemovesPartialFile(t *testing.T) {
	f := newTransferFixture(t)
	content := bytes.Repeat([]byte("0123456789abcdef"), 1<<16)
	require.NoError(t, os.WriteFile(filepath.Join(f.remoteDir, "big.bin"), content, 0o644))

	f.OpenFiles = func() (RemoteFiles, error) {
		c1, c2 := net.Pipe()

		srv, err := sftp.NewServer(c1)
		if err != nil {
			return nil, err
		}
		go srv.Serve()
		t.Cleanup(func() { srv.Close() })

		return sftp.NewClientPipe(&cutReader{r: c2, n: 64 << 10}, c2)
	}

	f.Download(context.Background(), "big.bin")

	require.Contains(t, f.out.String(), "get "+f.remoteDir+"/big.bin: ")
	require.NotContains(t, f.out.String(), "downloaded successfully")
	require.Empty(t, f.shell.Lines())

	_, err := os.Stat(filepath.Join(f.DownloadDir, "big.bin"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestUpload(t *testing.T) {
	f := newTransferFixture(t)
	local := filepath.Join(t.TempDir(), "notes.md")
	content := []byte("# notes\n")
	require.NoError(t, os.WriteFile(local, content, 0o644))

	f.Upload(context.Background(), local)

	got, err := os.ReadFile(filepath.Join(f.remoteDir, "notes.md"))
	require.NoError(t, err)
	require.Equal(t, content, got)

	require.Equal(t, []string{"false"}, f.shell.Lines())
	require.Contains(t, f.out.String(), "File is uploaded successfully")
}

func TestUploadMissingLocalFile(t *testing.T) {
	f := newTransferFixture(t)

	f.Upload(context.Background(), filepath.Join(t.TempDir(), "nope"))

	require.NotContains(t, f.out.String(), "uploaded successfully")
	require.Empty(t, f.shell.Lines())
}

func TestTransferQueryFailure(t *testing.T) {
	f := newTransferFixture(t)
	f.shell.err = ErrCaptureBusy

	f.Download(context.Background(), "report.txt")
	f.Upload(context.Background(), "report.txt")

	require.Contains(t, f.out.String(), ErrCaptureBusy.Error())
	require.Empty(t, f.shell.Lines())
}

func TestTransferFileChannelFailure(t *testing.T) {
	f := newTransferFixture(t)
	f.OpenFiles = func() (RemoteFiles, error) {
		return nil, errors.New("subsystem refused")
	}

	f.Download(context.Background(), "report.txt")

	require.Contains(t, f.out.String(), "subsystem refused")
	require.Empty(t, f.shell.Lines())
}

func TestTransferRecoversPanic(t *testing.T) {
	f := newTransferFixture(t)
	f.OpenFiles = func() (RemoteFiles, error) {
		panic("unexpected")
	}

	require.NotPanics(t, func() {
		f.Download(context.Background(), "report.txt")
	})
	require.Contains(t, f.out.String(), "get report.txt: unexpected")
}
