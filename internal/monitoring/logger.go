// Package monitoring holds the process-wide diagnostic logger used by the
// flight core, the vehicle link and the API layer.
package monitoring

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetOutputFile routes the standard logger to a size-rotated file at path in
// addition to stderr. The returned closer flushes and closes the file.
func SetOutputFile(path string) (io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	w := &lumberjack.Logger{
		Filename: path,
		MaxSize:  64, // MB
		MaxAge:   14,
		Compress: true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, w))
	return w, nil
}
