package sshmux

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/paxan/sshmux/internal"
)

const (
	DefaultPort = "22"

	// DefaultForwardHost is the local side of a forward spec given with
	// three fields.
	DefaultForwardHost = "localhost"
)

var (
	ErrInvalidDescriptor  = errors.New("invalid connection descriptor")
	ErrInvalidForwardSpec = errors.New("invalid forward spec")
)

// ForwardSpec describes one port forward. See internal.ForwardSpec.
type ForwardSpec = internal.ForwardSpec

var descriptorPattern = regexp.MustCompile(`^(\w+):(\S+)@(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})$`)

// ParseDescriptor splits a connection descriptor of the form
// user:password@a.b.c.d into connection parameters. The port defaults to 22.
func ParseDescriptor(s string) (*ConnectionParams, error) {
	m := descriptorPattern.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("%w: %q, want user:password@a.b.c.d", ErrInvalidDescriptor, s)
	}

	return &ConnectionParams{
		User:     m[1],
		Password: m[2],
		Host:     m[3],
		Port:     DefaultPort,
	}, nil
}

// ParseForwardSpec parses [localHost:]localPort:remoteHost:remotePort, the
// same shape ssh(1) accepts for -L and -R.
func ParseForwardSpec(s string) (*ForwardSpec, error) {
	fields := strings.Split(s, ":")

	var spec ForwardSpec
	switch len(fields) {
	case 3:
		spec = ForwardSpec{
			LocalHost:  DefaultForwardHost,
			LocalPort:  fields[0],
			RemoteHost: fields[1],
			RemotePort: fields[2],
		}
	case 4:
		spec = ForwardSpec{
			LocalHost:  fields[0],
			LocalPort:  fields[1],
			RemoteHost: fields[2],
			RemotePort: fields[3],
		}
	default:
		return nil, fmt.Errorf("%w: %q has %d fields, want [localHost:]localPort:remoteHost:remotePort",
			ErrInvalidForwardSpec, s, len(fields))
	}

	if spec.LocalHost == "" || spec.RemoteHost == "" {
		return nil, fmt.Errorf("%w: %q: empty host", ErrInvalidForwardSpec, s)
	}

	for _, port := range []string{spec.LocalPort, spec.RemotePort} {
		if n, err := strconv.ParseUint(port, 10, 16); err != nil || n == 0 {
			return nil, fmt.Errorf("%w: %q: bad port %q", ErrInvalidForwardSpec, s, port)
		}
	}

	return &spec, nil
}
