// Package logging tees the standard logger to a file under the data
// directory so the bridge can serve recent lines.
package logging

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gluk-w/claworc/tether/internal/config"
)

// maxFileSize triggers a rotation to <path>.1 when Init finds a larger file.
var maxFileSize int64 = 10 << 20

var (
	mu      sync.Mutex
	logFile *os.File
)

// Init sends log output to stdout and the configured log file.
// Must be called after config.Load().
func Init() {
	mu.Lock()
	defer mu.Unlock()

	path := config.Cfg.LogFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("WARNING: cannot create log directory: %v", err)
		return
	}
	rotate(path)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", path, err)
		return
	}
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	log.SetOutput(io.MultiWriter(os.Stdout, f))
	log.Printf("Logging to file: %s", path)
}

func rotate(path string) {
	info, err := os.Stat(path)
	if err != nil || info.Size() < maxFileSize {
		return
	}
	if err := os.Rename(path, path+".1"); err != nil {
		log.Printf("WARNING: cannot rotate log file: %v", err)
	}
}

// Shutdown restores stderr logging and closes the file.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	log.SetOutput(os.Stderr)
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// ReadTail returns the last n lines of the log file, or "" when it does
// not exist yet.
func ReadTail(n int) (string, error) {
	if n <= 0 {
		return "", nil
	}
	mu.Lock()
	defer mu.Unlock()

	f, err := os.Open(config.Cfg.LogFilePath())
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	ring := make([]string, n)
	count := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		ring[count%n] = sc.Text()
		count++
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}

	if count <= n {
		return strings.Join(ring[:count], "\n"), nil
	}
	start := count % n
	return strings.Join(append(ring[start:], ring[:start]...), "\n"), nil
}

// Clear empties the log file.
func Clear() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile == nil {
		err := os.Truncate(config.Cfg.LogFilePath(), 0)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := logFile.Truncate(0); err != nil {
		return fmt.Errorf("truncate log file: %w", err)
	}
	if _, err := logFile.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek log file: %w", err)
	}
	return nil
}
