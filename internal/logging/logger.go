package logging

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// NewLogger builds a text logger at the named level ("debug", "info", ...).
func NewLogger(out io.Writer, level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log, nil
}
