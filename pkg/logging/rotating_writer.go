package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RotatingWriter appends to a log file and moves it to old/<name>.<timestamp>
// once it grows past maxSize. A background check reopens the path when the
// file was moved or deleted underneath it (logrotate, manual cleanup).
type RotatingWriter struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	maxSize int64
	size    int64
	now     func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRotatingWriter opens path for appending. An existing file that is
// already over maxSize is archived before the first write.
func NewRotatingWriter(path string, maxSize int64, verifyInterval time.Duration) (*RotatingWriter, error) {
	w := &RotatingWriter{
		path:    path,
		maxSize: maxSize,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	if err := w.open(); err != nil {
		return nil, err
	}
	if w.maxSize > 0 && w.size >= w.maxSize {
		if err := w.rotate(); err != nil {
			return nil, err
		}
	}

	if verifyInterval > 0 {
		w.wg.Add(1)
		go w.watch(verifyInterval)
	}
	return w, nil
}

func (w *RotatingWriter) watch(every time.Duration) {
	defer w.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			if err := w.verify(); err != nil {
				fmt.Fprintf(os.Stderr, "log writer: %v\n", err)
			}
			w.mu.Unlock()
		case <-w.stopCh:
			return
		}
	}
}

// Write implements io.Writer
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.maxSize > 0 && w.size+int64(len(p)) >= w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

// Close stops the background check and closes the file
func (w *RotatingWriter) Close() error {
	close(w.stopCh)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *RotatingWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	w.f = f
	w.size = fi.Size()
	return nil
}

func (w *RotatingWriter) rotate() error {
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}

	archiveDir := filepath.Join(filepath.Dir(w.path), "old")
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}
	archive := filepath.Join(archiveDir, fmt.Sprintf("%s.%s", filepath.Base(w.path), w.now().Format("20060102-150405")))
	_ = os.Rename(w.path, archive)

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating new log file: %w", err)
	}
	w.f = f
	w.size = 0
	return nil
}

// verify reopens the path if the open descriptor no longer refers to it.
func (w *RotatingWriter) verify() error {
	if w.f == nil {
		return w.open()
	}

	onDisk, err := os.Lstat(w.path)
	if err == nil {
		var open os.FileInfo
		if open, err = w.f.Stat(); err == nil && os.SameFile(open, onDisk) {
			w.size = open.Size()
			return nil
		}
	}

	_ = w.f.Close()
	w.f = nil
	return w.open()
}
