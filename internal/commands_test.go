package internal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeShell struct {
	lines []string
	raw   [][]byte
	err   error
}

func (f *fakeShell) WriteLine(text string) error {
	f.lines = append(f.lines, text)
	return f.err
}

func (f *fakeShell) WriteRaw(b []byte) error {
	f.raw = append(f.raw, b)
	return f.err
}

type fakeTransfers struct {
	downloads []string
	uploads   []string
}

func (f *fakeTransfers) Download(_ context.Context, name string) {
	f.downloads = append(f.downloads, name)
}

func (f *fakeTransfers) Upload(_ context.Context, path string) {
	f.uploads = append(f.uploads, path)
}

func TestRouterHandleLine(t *testing.T) {
	shell, transfers := &fakeShell{}, &fakeTransfers{}
	r := &Router{Shell: shell, Transfers: transfers}
	ctx := context.Background()

	for _, line := range []string{
		"  ls -la  ",
		"get report.txt",
		"  put   /tmp/notes.md ",
		"",
		"get",
		"getter",
		"echo get x",
	} {
		require.NoError(t, r.HandleLine(ctx, line))
	}

	require.Equal(t, []string{"report.txt"}, transfers.downloads)
	require.Equal(t, []string{"/tmp/notes.md"}, transfers.uploads)
	require.Equal(t, []string{"ls -la", "", "get", "getter", "echo get x"}, shell.lines)
}

func TestRouterHandleLineWriteError(t *testing.T) {
	errGone := errors.New("gone")
	r := &Router{Shell: &fakeShell{err: errGone}, Transfers: &fakeTransfers{}}

	require.ErrorIs(t, r.HandleLine(context.Background(), "ls"), errGone)
	require.NoError(t, r.HandleLine(context.Background(), "get a"))
}

func TestRouterHandleKey(t *testing.T) {
	shell := &fakeShell{}
	r := &Router{Shell: shell}

	for _, k := range []Key{KeyUp, KeyDown, KeyRight, KeyLeft, KeyMetaBackspace, KeyCtrlD, KeyCtrlZ} {
		require.NoError(t, r.HandleKey(k))
	}
	require.Error(t, r.HandleKey(Key(0)))

	require.Equal(t, [][]byte{
		[]byte("\x1b[A"),
		[]byte("\x1b[B"),
		[]byte("\x1b[C"),
		[]byte("\x1b[D"),
		[]byte("\x1b\x7f"),
		{0x04},
		{0x1a},
	}, shell.raw)
	require.Empty(t, shell.lines)
}

func TestRouterInterrupt(t *testing.T) {
	shell := &fakeShell{}
	r := &Router{Shell: shell}

	require.NoError(t, r.Interrupt())
	require.Equal(t, [][]byte{{0x03}}, shell.raw)
}
