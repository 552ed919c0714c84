package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger installs a console logger tagged with app as the global zerolog
// logger and returns it. It writes to stderr; stdout belongs to messages.
func InitLogger(app string) zerolog.Logger {
	logger := NewLogger(os.Stderr, app)
	log.Logger = logger
	return logger
}

func NewLogger(out io.Writer, app string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).With().Timestamp().Str("app", app).Int("pid", os.Getpid()).Logger()
}
