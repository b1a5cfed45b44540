package internal

import (
	"errors"
	"fmt"
	"io"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// FileChannel is an sftp client bound to its own subsystem session on the
// shared connection.
type FileChannel struct {
	*sftp.Client
	session *ssh.Session
}

// OpenFileChannel starts the sftp subsystem in a new session on client.
func OpenFileChannel(client *ssh.Client) (*FileChannel, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open sftp session: %w", err)
	}

	inPipe, err := session.StdinPipe()
	if err != nil {
		return nil, errors.Join(err, session.Close())
	}

	outPipe, err := session.StdoutPipe()
	if err != nil {
		return nil, errors.Join(err, session.Close())
	}

	if err := session.RequestSubsystem("sftp"); err != nil {
		return nil, errors.Join(fmt.Errorf("request sftp subsystem: %w", err), session.Close())
	}

	c, err := sftp.NewClientPipe(outPipe, inPipe, sftp.UseConcurrentWrites(true))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("start sftp client: %w", err), session.Close())
	}

	return &FileChannel{Client: c, session: session}, nil
}

// Close stops the sftp client and its session.
func (f *FileChannel) Close() error {
	err := f.Client.Close()
	if serr := f.session.Close(); serr != nil && serr != io.EOF {
		err = errors.Join(err, serr)
	}
	return err
}
