package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/creack/pty"
)

const (
	DefaultCols = 120
	DefaultRows = 40

	maxNameLen = 64
)

// SanitizeName reduces raw user input to a valid session name: characters
// outside [A-Za-z0-9_-] are dropped, the result is truncated to 64 bytes,
// and an empty result is rejected.
func SanitizeName(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		ok := r >= 'a' && r <= 'z' ||
			r >= 'A' && r <= 'Z' ||
			r >= '0' && r <= '9' ||
			r == '_' || r == '-'
		if !ok {
			continue
		}
		b.WriteRune(r)
		if b.Len() == maxNameLen {
			break
		}
	}
	if b.Len() == 0 {
		return "", errors.New("invalid session name")
	}
	return b.String(), nil
}

// filteredEnviron returns the daemon's environment with secret variables
// removed and TERM pinned. SSH_PASSWORD, SETUP_TOKEN and KATULONG_NO_AUTH
// must never reach a user shell.
func filteredEnviron() []string {
	env := os.Environ()
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if strings.HasPrefix(kv, "SSH_PASSWORD=") ||
			strings.HasPrefix(kv, "SETUP_TOKEN=") ||
			strings.HasPrefix(kv, "KATULONG_NO_AUTH=") ||
			strings.HasPrefix(kv, "TERM=") {
			continue
		}
		out = append(out, kv)
	}
	return append(out, "TERM=xterm-256color")
}

// Session is one PTY-backed shell process plus its retained output.
// All fields except Pty and Ring are guarded by the server mutex.
type Session struct {
	Name     string
	Cmd      *exec.Cmd
	Pty      *os.File
	Ring     *Scrollback
	Pid      int
	Cols     int
	Rows     int
	Alive    bool
	ExitCode int
}

// startSession spawns the shell on a fresh PTY with the given dimensions.
func startSession(name, shell string, cols, rows int) (*Session, error) {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}

	cmd := exec.Command(shell)
	cmd.Env = filteredEnviron()

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, fmt.Errorf("pty start: %w", err)
	}

	return &Session{
		Name:  name,
		Cmd:   cmd,
		Pty:   ptmx,
		Ring:  NewScrollback(MaxScrollbackBytes),
		Pid:   cmd.Process.Pid,
		Cols:  cols,
		Rows:  rows,
		Alive: true,
	}, nil
}

// readLoop pumps PTY output into the server's serialized append+broadcast
// path. A trailing incomplete UTF-8 sequence is held back so it is never
// split across JSON messages and mangled into U+FFFD by json.Marshal.
// Runs in its own goroutine; never touches mutable Session fields.
func (s *Session) readLoop(onData func(s *Session, chunk []byte), onExit func(s *Session, code int)) {
	buf := make([]byte, 32*1024)
	var pending []byte
	for {
		n, err := s.Pty.Read(buf)
		if n > 0 {
			var chunk []byte
			if len(pending) > 0 {
				chunk = make([]byte, len(pending)+n)
				copy(chunk, pending)
				copy(chunk[len(pending):], buf[:n])
				pending = nil
			} else {
				chunk = buf[:n]
			}

			tail := incompleteUTF8Tail(chunk)
			if tail > 0 {
				pending = make([]byte, tail)
				copy(pending, chunk[len(chunk)-tail:])
				chunk = chunk[:len(chunk)-tail]
			}

			if len(chunk) > 0 {
				onData(s, chunk)
			}
		}
		if err != nil {
			// Flush any remaining pending bytes on EOF.
			if len(pending) > 0 {
				onData(s, pending)
			}
			break
		}
	}

	// Wait for the process to fully exit before reporting.
	state, _ := s.Cmd.Process.Wait()
	code := 0
	if state != nil {
		code = state.ExitCode()
	}
	onExit(s, code)
}

// kill terminates the PTY child. SIGHUP first so shells run their hangup
// path, then the master side is closed; the read loop observes EOF and
// reaps the process.
func (s *Session) kill() {
	_ = s.Cmd.Process.Signal(syscall.SIGHUP)
	s.Pty.Close()
}

// resize changes the PTY window size.
func (s *Session) resize(cols, rows int) error {
	return pty.Setsize(s.Pty, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}
