package orchestrator

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"
)

// Log file names in a node directory.
const (
	StdoutLog    = "stdout.log"
	StderrLog    = "stderr.log"
	ExitCodeFile = "exit_code"
)

const uploadChunk = 64 << 10

// LogUploader receives node log bytes for a run-history service.
type LogUploader interface {
	UploadLog(ctx context.Context, runID, nodeID, name string, data []byte) error
}

// logSink writes process output line by line to a file, an optional echo
// writer and an optional uploader. Invalid UTF-8 is replaced.
type logSink struct {
	mu      sync.Mutex
	file    *os.File
	echo    *lockedWriter
	upload  func(data []byte)
	partial []byte
	pending bytes.Buffer
	err     error
}

func newLogSink(path string, echo *lockedWriter, upload func([]byte)) (*logSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &logSink{file: f, echo: echo, upload: upload}, nil
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partial = append(s.partial, p...)
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		s.emit(s.partial[:i+1])
		s.partial = s.partial[i+1:]
	}
	return len(p), s.err
}

func (s *logSink) emit(line []byte) {
	clean := []byte(strings.ToValidUTF8(string(line), "�"))
	if _, err := s.file.Write(clean); err != nil && s.err == nil {
		s.err = err
	}
	if s.echo != nil {
		s.echo.Write(clean)
	}
	if s.upload != nil {
		s.pending.Write(clean)
		if s.pending.Len() >= uploadChunk {
			s.flushUpload()
		}
	}
}

func (s *logSink) flushUpload() {
	if s.pending.Len() == 0 {
		return
	}
	s.upload(bytes.Clone(s.pending.Bytes()))
	s.pending.Reset()
}

// Close writes any unterminated last line and flushes everything.
func (s *logSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.partial) > 0 {
		s.emit(s.partial)
		s.partial = nil
	}
	if s.upload != nil {
		s.flushUpload()
	}
	if err := s.file.Sync(); err != nil && s.err == nil {
		s.err = err
	}
	if err := s.file.Close(); err != nil && s.err == nil {
		s.err = err
	}
	return s.err
}

// lockedWriter serializes writes from concurrent nodes to one writer.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
