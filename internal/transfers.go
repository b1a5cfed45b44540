package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
)

// sentinelLine is sent to the remote shell after every get or put so that
// its prompt is redrawn after the out-of-band transfer.
const sentinelLine = "false"

var (
	errNoSuchFile  = errors.New("no such file")
	errBadFileName = errors.New("not a plain file name")
)

// plainFileName reports whether name names a file inside a directory rather
// than a path leading out of it.
func plainFileName(name string) bool {
	switch name {
	case "", ".", "..":
		return false
	}
	return path.Base(name) == name && filepath.Base(name) == name
}

// CaptureShell is what transfers need from the remote shell.
type CaptureShell interface {
	QueryRemoteDirectory(ctx context.Context) (string, error)
	WriteLine(text string) error
}

// RemoteFiles is the file channel a transfer copies through. *sftp.Client and
// *FileChannel implement it.
type RemoteFiles interface {
	Open(path string) (*sftp.File, error)
	Create(path string) (*sftp.File, error)
	Close() error
}

// Transfers implements get and put relative to the remote shell's working
// directory. Every failure is reported on the display; none ends the session.
type Transfers struct {
	Shell        CaptureShell
	OpenFiles    func() (RemoteFiles, error)
	Display      *Display
	Host         string
	DownloadDir  string
	QueryTimeout time.Duration
}

// Download copies fileName from the remote working directory into
// DownloadDir.
func (t *Transfers) Download(ctx context.Context, fileName string) {
	defer t.recover("get " + fileName)

	if !plainFileName(fileName) {
		t.Display.Error(fmt.Errorf("get %s: %w", fileName, errBadFileName))
		return
	}

	dir, err := t.remoteDir(ctx)
	if err != nil {
		t.Display.Error(fmt.Errorf("get %s: %w", fileName, err))
		return
	}

	remotePath := path.Join(dir, fileName)
	localPath := filepath.Join(t.DownloadDir, fileName)
	t.Display.Announce("Downloading from %s:%s to %s", t.Host, remotePath, localPath)

	if err := os.MkdirAll(t.DownloadDir, 0o755); err != nil {
		t.Display.Error(fmt.Errorf("create download directory: %w", err))
	}

	switch err := t.download(remotePath, localPath); {
	case err == nil:
		t.Display.Announce("File is downloaded successfully")
	case errors.Is(err, errNoSuchFile):
		t.Display.Announce("no such file %s", remotePath)
	default:
		t.Display.Error(fmt.Errorf("get %s: %w", remotePath, err))
		return
	}

	t.sendSentinel()
}

func (t *Transfers) download(remotePath, localPath string) error {
	files, err := t.OpenFiles()
	if err != nil {
		return fmt.Errorf("open file channel: %w", err)
	}
	defer files.Close()

	src, err := files.Open(remotePath)
	if errors.Is(err, fs.ErrNotExist) {
		return errNoSuchFile
	} else if err != nil {
		return err
	}
	defer src.Close()

	size := int64(-1)
	if fi, err := src.Stat(); err == nil {
		size = fi.Size()
	}

	dst, err := os.Create(localPath)
	if err != nil {
		return err
	}

	bar := t.Display.Progress(size, "Downloading")
	_, err = io.Copy(io.MultiWriter(dst, bar), src)
	bar.Finish()

	if err := errors.Join(err, dst.Close()); err != nil {
		os.Remove(localPath)
		return err
	}
	return nil
}

// Upload copies the local file at localPath into the remote working
// directory under its base name.
func (t *Transfers) Upload(ctx context.Context, localPath string) {
	defer t.recover("put " + localPath)

	dir, err := t.remoteDir(ctx)
	if err != nil {
		t.Display.Error(fmt.Errorf("put %s: %w", localPath, err))
		return
	}

	remotePath := path.Join(dir, filepath.Base(localPath))
	t.Display.Announce("Uploading %s to %s:%s", localPath, t.Host, remotePath)

	if err := t.upload(localPath, remotePath); err != nil {
		t.Display.Error(fmt.Errorf("put %s: %w", localPath, err))
		return
	}

	t.Display.Announce("File is uploaded successfully")
	t.sendSentinel()
}

func (t *Transfers) upload(localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return err
	}

	files, err := t.OpenFiles()
	if err != nil {
		return fmt.Errorf("open file channel: %w", err)
	}
	defer files.Close()

	dst, err := files.Create(remotePath)
	if err != nil {
		return err
	}

	bar := t.Display.Progress(fi.Size(), "Uploading")
	_, err = io.Copy(dst, io.TeeReader(src, bar))
	bar.Finish()

	return errors.Join(err, dst.Close())
}

func (t *Transfers) remoteDir(ctx context.Context) (string, error) {
	if t.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.QueryTimeout)
		defer cancel()
	}
	return t.Shell.QueryRemoteDirectory(ctx)
}

func (t *Transfers) sendSentinel() {
	if err := t.Shell.WriteLine(sentinelLine); err != nil {
		t.Display.Error(fmt.Errorf("write to remote shell: %w", err))
	}
}

func (t *Transfers) recover(op string) {
	if r := recover(); r != nil {
		t.Display.Error(fmt.Errorf("%s: %v", op, r))
	}
}
