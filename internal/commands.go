package internal

import (
	"context"
	"fmt"
	"strings"
)

// RemoteShell is the part of ShellChannel the router writes to.
type RemoteShell interface {
	WriteLine(text string) error
	WriteRaw(b []byte) error
}

// FileTransfers run get and put. They report their own failures and never
// return them.
type FileTransfers interface {
	Download(ctx context.Context, fileName string)
	Upload(ctx context.Context, localPath string)
}

// Key is a navigation or control key that bypasses line editing.
type Key int

const (
	KeyUp Key = iota + 1
	KeyDown
	KeyRight
	KeyLeft
	KeyMetaBackward
	KeyMetaForward
	KeyMetaDelete
	KeyMetaBackspace
	KeyCtrlD
	KeyCtrlL
	KeyCtrlZ
)

var keySequences = map[Key][]byte{
	KeyUp:            []byte("\x1b[A"),
	KeyDown:          []byte("\x1b[B"),
	KeyRight:         []byte("\x1b[C"),
	KeyLeft:          []byte("\x1b[D"),
	KeyMetaBackward:  []byte("\x1bb"),
	KeyMetaForward:   []byte("\x1bf"),
	KeyMetaDelete:    []byte("\x1bd"),
	KeyMetaBackspace: []byte("\x1b\x7f"),
	KeyCtrlD:         {0x04},
	KeyCtrlL:         {0x0c},
	KeyCtrlZ:         {0x1a},
}

const interruptByte = 0x03

// Router decides what happens to the operator's input: get and put lines
// become file transfers, everything else goes to the remote shell.
type Router struct {
	Shell     RemoteShell
	Transfers FileTransfers
}

// HandleLine classifies one line of input. Only a failure to write to the
// remote shell is returned.
func (r *Router) HandleLine(ctx context.Context, raw string) error {
	line := strings.TrimSpace(raw)

	switch {
	case strings.HasPrefix(line, "get "):
		r.Transfers.Download(ctx, strings.TrimSpace(strings.TrimPrefix(line, "get ")))
		return nil
	case strings.HasPrefix(line, "put "):
		r.Transfers.Upload(ctx, strings.TrimSpace(strings.TrimPrefix(line, "put ")))
		return nil
	default:
		return r.Shell.WriteLine(line)
	}
}

// HandleKey forwards the escape sequence of k to the remote shell.
func (r *Router) HandleKey(k Key) error {
	seq, ok := keySequences[k]
	if !ok {
		return fmt.Errorf("unknown key %d", k)
	}
	return r.Shell.WriteRaw(seq)
}

// Interrupt passes ^C on to the remote shell; the local session survives.
func (r *Router) Interrupt() error {
	return r.Shell.WriteRaw([]byte{interruptByte})
}
