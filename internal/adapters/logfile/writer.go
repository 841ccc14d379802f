// Package logfile writes the process log to one file per trading day.
package logfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const filePrefix = "exitbot_"

// DailyWriter is an io.Writer appending to <dir>/exitbot_<YYYYMMDD>.log. The
// file is opened lazily and switched by Rotate. Safe for concurrent use.
type DailyWriter struct {
	mu   sync.Mutex
	dir  string
	day  string
	file *os.File
	w    *bufio.Writer
}

// NewDailyWriter returns a writer for dir, initially targeting day. A blank
// dir returns nil; a nil *DailyWriter discards everything.
func NewDailyWriter(dir string, day time.Time) *DailyWriter {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil
	}
	return &DailyWriter{dir: dir, day: day.Format("20060102")}
}

// FileName returns the log file name for day.
func FileName(day time.Time) string {
	return filePrefix + day.Format("20060102") + ".log"
}

// Path is the file currently written to.
func (d *DailyWriter) Path() string {
	if d == nil {
		return ""
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return filepath.Join(d.dir, filePrefix+d.day+".log")
}

// Rotate switches to the file for day. It reports whether the day changed.
func (d *DailyWriter) Rotate(day time.Time) (bool, error) {
	if d == nil {
		return false, nil
	}
	key := day.Format("20060102")

	d.mu.Lock()
	defer d.mu.Unlock()
	if key == d.day {
		return false, nil
	}
	if err := d.closeLocked(); err != nil {
		return false, fmt.Errorf("logfile.Rotate: %w", err)
	}
	d.day = key
	return true, nil
}

func (d *DailyWriter) ensureOpenLocked() error {
	if d.file != nil {
		return nil
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(d.dir, filePrefix+d.day+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	d.file = f
	d.w = bufio.NewWriterSize(f, 64*1024)
	return nil
}

// Write appends p and flushes so the line is visible to tailers.
func (d *DailyWriter) Write(p []byte) (int, error) {
	if d == nil {
		return len(p), nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ensureOpenLocked(); err != nil {
		return 0, err
	}
	n, err := d.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, d.w.Flush()
}

// Close flushes and closes the current file.
func (d *DailyWriter) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *DailyWriter) closeLocked() error {
	if d.file == nil {
		return nil
	}
	flushErr := d.w.Flush()
	closeErr := d.file.Close()
	d.file = nil
	d.w = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
