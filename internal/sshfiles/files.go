// Package sshfiles lists and edits remote files by running shell commands
// through the connection manager. It backs the external file editor.
package sshfiles

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/gluk-w/claworc/tether/internal/logutil"
	"github.com/gluk-w/claworc/tether/internal/sshconn"
)

// writeChunkSize keeps each base64 chunk well under shell argument limits.
const writeChunkSize = 48000

// Runner executes remote commands. *sshconn.Manager implements it.
type Runner interface {
	Run(ctx context.Context, cmd string) (string, error)
}

// Entry is one directory entry. Size is set for regular files only.
type Entry struct {
	Name        string  `json:"name"`
	Path        string  `json:"path"`
	Type        string  `json:"type"`
	Size        *string `json:"size"`
	Permissions string  `json:"permissions"`
	Target      string  `json:"target,omitempty"`
	Children    []Entry `json:"children,omitempty"`
}

const (
	TypeFile    = "file"
	TypeDir     = "directory"
	TypeSymlink = "symlink"
)

// notFound rewrites a strict-mode failure caused by a missing path into
// sshconn.ErrRemoteNotFound.
func notFound(op string, err error) error {
	var cmdErr *sshconn.CommandError
	if errors.As(err, &cmdErr) {
		msg := cmdErr.Stderr
		if strings.Contains(msg, "No such file or directory") || strings.Contains(msg, "cannot access") {
			return &sshconn.Error{Kind: sshconn.ErrRemoteNotFound, Op: op, Err: err}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ListDirectory lists dir. A missing dir is reported as
// sshconn.ErrRemoteNotFound.
func ListDirectory(ctx context.Context, r Runner, dir string) ([]Entry, error) {
	start := time.Now()
	out, err := r.Run(ctx, "LC_ALL=C ls -la "+shellQuote(dir))
	if err != nil {
		return nil, notFound("list directory "+logutil.SanitizeForLog(dir), err)
	}
	entries := ParseLsOutput(out)
	for i := range entries {
		entries[i].Path = path.Join(dir, entries[i].Name)
	}
	log.Printf("[sshfiles] ListDirectory %s completed in %s", logutil.SanitizeForLog(dir), time.Since(start))
	return entries, nil
}

// ListTree lists root and its subdirectories down to depth levels. The
// root must exist; a nested directory that disappears during the walk is
// treated as empty.
func ListTree(ctx context.Context, r Runner, root string, depth int) ([]Entry, error) {
	entries, err := ListDirectory(ctx, r, root)
	if err != nil {
		return nil, err
	}
	if depth <= 1 {
		return entries, nil
	}
	for i := range entries {
		if entries[i].Type != TypeDir {
			continue
		}
		children, err := ListTree(ctx, r, entries[i].Path, depth-1)
		if errors.Is(err, sshconn.ErrRemoteNotFound) {
			entries[i].Children = []Entry{}
			continue
		}
		if err != nil {
			return nil, err
		}
		entries[i].Children = children
	}
	return entries, nil
}

// ReadFile returns the contents of a remote file.
func ReadFile(ctx context.Context, r Runner, file string) ([]byte, error) {
	start := time.Now()
	out, err := r.Run(ctx, "cat "+shellQuote(file))
	if err != nil {
		return nil, notFound("read file "+logutil.SanitizeForLog(file), err)
	}
	log.Printf("[sshfiles] ReadFile %s (%d bytes) completed in %s", logutil.SanitizeForLog(file), len(out), time.Since(start))
	return []byte(out), nil
}

// WriteFile replaces file with data, sent as base64 chunks.
func WriteFile(ctx context.Context, r Runner, file string, data []byte) error {
	start := time.Now()
	quoted := shellQuote(file)

	if _, err := r.Run(ctx, ": > "+quoted); err != nil {
		return notFound("write file "+logutil.SanitizeForLog(file), err)
	}
	for i := 0; i < len(data); i += writeChunkSize {
		end := min(i+writeChunkSize, len(data))
		b64 := base64.StdEncoding.EncodeToString(data[i:end])
		if _, err := r.Run(ctx, "echo '"+b64+"' | base64 -d >> "+quoted); err != nil {
			return fmt.Errorf("write file %s: %w", logutil.SanitizeForLog(file), err)
		}
	}
	log.Printf("[sshfiles] WriteFile %s (%d bytes) completed in %s", logutil.SanitizeForLog(file), len(data), time.Since(start))
	return nil
}

// CreateDirectory creates dir and any missing parents.
func CreateDirectory(ctx context.Context, r Runner, dir string) error {
	if _, err := r.Run(ctx, "mkdir -p "+shellQuote(dir)); err != nil {
		return fmt.Errorf("create directory %s: %w", logutil.SanitizeForLog(dir), err)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ParseLsOutput parses `ls -la` output, skipping the total line and the
// . and .. entries.
func ParseLsOutput(out string) []Entry {
	var entries []Entry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "total ") {
			continue
		}
		fields, rest := splitFields(line, 8)
		if len(fields) < 8 || rest == "" {
			continue
		}

		perms := fields[0]
		name := rest
		e := Entry{Permissions: perms}
		switch perms[0] {
		case 'd':
			e.Type = TypeDir
		case 'l':
			e.Type = TypeSymlink
			if i := strings.Index(rest, " -> "); i >= 0 {
				name = rest[:i]
				e.Target = rest[i+4:]
			}
		default:
			e.Type = TypeFile
			size := fields[4]
			e.Size = &size
		}
		if name == "." || name == ".." {
			continue
		}
		e.Name = name
		entries = append(entries, e)
	}
	return entries
}

// splitFields returns the first n whitespace-separated fields of line and
// the remainder with its internal spacing intact.
func splitFields(line string, n int) ([]string, string) {
	fields := make([]string, 0, n)
	i := 0
	for len(fields) < n {
		for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		if i >= len(line) {
			return fields, ""
		}
		start := i
		for i < len(line) && line[i] != ' ' && line[i] != '\t' {
			i++
		}
		fields = append(fields, line[start:i])
	}
	if i < len(line) {
		i++ // single separator before the name
	}
	return fields, line[i:]
}
