package il2patch

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/apex/log/handlers/multi"
	"github.com/apex/log/handlers/text"
)

const timestampLayout = "20060102_150405"

// SessionConfig is the input to NewSession
type SessionConfig struct {
	// Out receives human-readable reports (defaults to os.Stdout)
	Out io.Writer
	// LogOut receives log lines (defaults to os.Stderr)
	LogOut io.Writer
	// Progress receives progress bars; nil disables them
	Progress io.Writer
	// Debug enables debug logging and the on-disk log directory
	Debug bool
	// LogDir is where debug logs and tool output are written (defaults to ./logs)
	LogDir string
}

// Session carries the logger and output streams through a patch run.
// It is built once at startup and passed explicitly to every stage.
type Session struct {
	Log      log.Interface
	Out      io.Writer
	Progress io.Writer
	Debug    bool
	LogDir   string

	logFile *os.File
}

// NewSession builds a session; with Debug set it also opens a timestamped log file
func NewSession(cfg SessionConfig) (*Session, error) {
	s := &Session{
		Out:      cfg.Out,
		Progress: cfg.Progress,
		Debug:    cfg.Debug,
		LogDir:   cfg.LogDir,
	}
	if s.Out == nil {
		s.Out = os.Stdout
	}
	logOut := cfg.LogOut
	if logOut == nil {
		logOut = os.Stderr
	}

	logger := &log.Logger{
		Handler: cli.New(logOut),
		Level:   log.InfoLevel,
	}

	if cfg.Debug {
		if s.LogDir == "" {
			s.LogDir = "logs"
		}
		if err := os.MkdirAll(s.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		name := fmt.Sprintf("il2patch_log_%s.txt", time.Now().Format(timestampLayout))
		f, err := os.Create(filepath.Join(s.LogDir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to create log file: %w", err)
		}
		s.logFile = f
		logger.Handler = multi.New(logger.Handler, text.New(f))
		logger.Level = log.DebugLevel
	}

	s.Log = logger
	return s, nil
}

// Discard returns a session that drops all logs and output
func Discard() *Session {
	return &Session{
		Log: &log.Logger{Handler: text.New(io.Discard), Level: log.ErrorLevel},
		Out: io.Discard,
	}
}

// Close releases the debug log file, if any
func (s *Session) Close() error {
	if s == nil || s.logFile == nil {
		return nil
	}
	err := s.logFile.Close()
	s.logFile = nil
	return err
}

// writeToolLog stores captured process output next to the session log
func (s *Session) writeToolLog(tool string, output []byte) {
	if s == nil || !s.Debug || s.LogDir == "" {
		return
	}
	name := fmt.Sprintf("%s_%s.log", tool, time.Now().Format(timestampLayout))
	if err := os.WriteFile(filepath.Join(s.LogDir, name), output, 0644); err != nil {
		s.Log.WithError(err).Warn("failed to write tool log")
	}
}

func (s *Session) logger() log.Interface {
	if s == nil || s.Log == nil {
		return Discard().Log
	}
	return s.Log
}
