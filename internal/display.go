package internal

import (
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// Display is the operator's screen: remote output goes to Out and ErrOut,
// session events are announced as timestamped lines on Out.
type Display struct {
	Out    io.Writer
	ErrOut io.Writer

	log *logrus.Logger
}

func NewDisplay(out, errOut io.Writer) *Display {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(stampFormatter{})
	l.SetLevel(logrus.InfoLevel)

	return &Display{Out: out, ErrOut: errOut, log: l}
}

// Announce prints a line such as "[15:04:05] Connection successful".
func (d *Display) Announce(format string, v ...any) {
	d.log.Infof(format, v...)
}

func (d *Display) Error(err error) {
	d.log.Error(err)
}

// Progress returns a byte counting bar for a transfer of size bytes. The
// bar clears itself once finished.
func (d *Display) Progress(size int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(size,
		progressbar.OptionSetWriter(d.Out),
		progressbar.OptionSetWidth(20),
		progressbar.OptionShowBytes(true),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: "-",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

type stampFormatter struct{}

func (stampFormatter) Format(e *logrus.Entry) ([]byte, error) {
	return []byte(fmt.Sprintf("[%s] %s\n", e.Time.Format("15:04:05"), e.Message)), nil
}
