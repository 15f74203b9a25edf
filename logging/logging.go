// Package logging implements the structured logger that the core
// components treat as an external collaborator (section 1 of the design
// specification) and the log artifacts required by section 6:
// error-log.txt, updates-log.txt, info-log.txt.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Files bundles the three append-only log artifacts required by section 6
// of the spec. update-progress.txt is handled separately, since it is
// overwritten, not appended: the supervisor package writes it from a
// metrics.Report.
type Files struct {
	Error   *os.File
	Updates *os.File
	Info    *os.File
}

// Close closes all open log files.
func (f *Files) Close() {
	for _, fh := range []*os.File{f.Error, f.Updates, f.Info} {
		if fh != nil {
			_ = fh.Close()
		}
	}
}

// OpenFiles opens (creating if necessary) the three log artifacts under
// outputDir, matching the layout of section 6 of the spec.
func OpenFiles(outputDir string) (*Files, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	open := func(name string) (*os.File, error) {
		return os.OpenFile(filepath.Join(outputDir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	}

	errFile, err := open("error-log.txt")
	if err != nil {
		return nil, fmt.Errorf("failed to open error-log.txt: %w", err)
	}
	updatesFile, err := open("updates-log.txt")
	if err != nil {
		errFile.Close()
		return nil, fmt.Errorf("failed to open updates-log.txt: %w", err)
	}
	infoFile, err := open("info-log.txt")
	if err != nil {
		errFile.Close()
		updatesFile.Close()
		return nil, fmt.Errorf("failed to open info-log.txt: %w", err)
	}

	return &Files{Error: errFile, Updates: updatesFile, Info: infoFile}, nil
}

// New builds a process-wide zerolog.Logger as specified in the ambient
// stack section of SPEC_FULL.md: JSON in production, a pretty console
// writer when stdout is a terminal (mirrors the teacher corpus's
// InitLogger), fanned out to the info-log.txt artifact in addition to
// stdout.
func New(files *Files) zerolog.Logger {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	writers := []io.Writer{consoleOrJSON()}
	if files != nil && files.Info != nil {
		writers = append(writers, files.Info)
	}

	return zerolog.New(io.MultiWriter(writers...)).
		With().
		Timestamp().
		Str("component", "catalog-sync").
		Logger()
}

func consoleOrJSON() io.Writer {
	if isTerminal(os.Stdout) {
		return zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return os.Stdout
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// ErrorWriter returns a logger scoped to the error-log.txt artifact, used
// by components that need to emit a stack-trace-bearing record for
// infrastructure or unhandled errors (section 6 of the spec).
func ErrorWriter(files *Files) zerolog.Logger {
	if files == nil || files.Error == nil {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(io.MultiWriter(os.Stderr, files.Error)).With().Timestamp().Logger()
}

// UpdatesWriter returns a logger scoped to the updates-log.txt artifact,
// used to record one line per successful update (row index, remote id,
// part number, source feed) per section 6 of the spec.
func UpdatesWriter(base zerolog.Logger, files *Files) zerolog.Logger {
	if files == nil || files.Updates == nil {
		return base
	}
	return zerolog.New(files.Updates).With().Timestamp().Logger()
}
