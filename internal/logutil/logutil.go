package logutil

import (
	"strconv"
	"strings"
)

// maxCommandLabel bounds how much of a remote command is echoed into logs.
const maxCommandLabel = 80

// SanitizeForLog removes newlines and control characters from user-provided
// strings so a hostname or remote path cannot forge extra log lines.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// CommandLabel sanitizes a remote command and truncates it to keep log
// lines readable.
func CommandLabel(cmd string) string {
	cmd = SanitizeForLog(cmd)
	if len(cmd) > maxCommandLabel {
		return cmd[:maxCommandLabel] + "..."
	}
	return cmd
}

// Endpoint renders user@host:port for log lines.
func Endpoint(user, host string, port int) string {
	var b strings.Builder
	b.WriteString(SanitizeForLog(user))
	b.WriteByte('@')
	b.WriteString(SanitizeForLog(host))
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(port))
	return b.String()
}
