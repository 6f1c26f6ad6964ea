package multiplexer

import (
	"strconv"
	"strings"
	"time"
)

// prefixKey is tmux's default prefix, C-b.
const prefixKey = "\x02"

const sessionPrefix = "tether-"

// knownPrefixes are searched when neither which nor command -v find tmux.
var knownPrefixes = []string{
	"/usr/bin",
	"/usr/local/bin",
	"/opt/homebrew/bin",
	"/bin",
	"/opt/local/bin",
	"/snap/bin",
}

func newSessionName(now time.Time) string {
	return sessionPrefix + strconv.FormatInt(now.UnixMilli(), 10)
}

// shellQuote wraps s in single quotes for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Lines typed at the remote shell prompt.

func newSessionLine(bin, session string) string {
	return shellQuote(bin) + " new-session -s " + shellQuote(session) + "\r"
}

func attachLine(bin, session string) string {
	return shellQuote(bin) + " attach-session -t " + shellQuote(session) + "\r"
}

// Lines typed at the tmux command prompt (prefix then ':').

func promptLine(cmd string) string {
	return prefixKey + ":" + cmd + "\r"
}

func target(id int) string {
	return ":" + strconv.Itoa(id)
}

func newWindowLine(id int) string {
	return promptLine("new-window -t " + target(id))
}

func selectWindowLine(id int) string {
	return promptLine("select-window -t " + target(id))
}

func killWindowLine(id int) string {
	return promptLine("kill-window -t " + target(id))
}

func detachLine() string {
	return promptLine("detach-client")
}

// One-shot commands run over exec channels.

func testExecutableCmd(path string) string {
	return "test -x " + shellQuote(path) + " && echo ok"
}

func searchPrefixesCmd() string {
	var b strings.Builder
	b.WriteString("for d in")
	for _, p := range knownPrefixes {
		b.WriteByte(' ')
		b.WriteString(p)
	}
	b.WriteString(`; do if [ -x "$d/tmux" ]; then echo "$d/tmux"; break; fi; done`)
	return b.String()
}

func hasSessionCmd(bin, session string) string {
	return shellQuote(bin) + " has-session -t " + shellQuote(session) + " 2>/dev/null && echo alive"
}

func killSessionCmd(bin, session string) string {
	return shellQuote(bin) + " kill-session -t " + shellQuote(session) + " 2>/dev/null"
}

const osProbeCmd = `cat /etc/os-release 2>/dev/null; echo "__uname=$(uname -s 2>/dev/null)"`
