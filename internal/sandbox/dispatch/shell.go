package dispatch

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codebench/codebench/internal/common/logger"
)

// shellSession is a persistent host shell used when no sandbox runtime is
// reachable. Commands are framed with a random marker so output and exit
// codes can be recovered from the merged stdout/stderr stream. The shell
// survives command timeouts; late output from a timed-out command is
// discarded when its marker eventually arrives.
type shellSession struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan string
	logger *logger.Logger

	mu     sync.Mutex
	stale  []string
	closed bool
}

func newShellSession(workingDir string, log *logger.Logger) (*shellSession, error) {
	cmd := exec.Command("sh")
	cmd.Dir = workingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open shell stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open shell stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start fallback shell: %w", err)
	}

	s := &shellSession{
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan string, 256),
		logger: log,
	}

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			s.lines <- scanner.Text()
		}
		close(s.lines)
	}()

	return s, nil
}

// Run executes a command in the shell and returns its output and exit code.
// The command is terminated with an echo of a random marker followed by $?,
// so the reader knows where output ends without killing the shell.
func (s *shellSession) Run(command string, timeout time.Duration) (string, int) {
	marker := newMarker()

	// Disable any tracing the command may have left on, then frame it.
	fmt.Fprintf(s.stdin, "set +x; %s; echo '%s' $?\n", command, marker)

	var out []string
	collecting := false
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				out = append(out, "shell terminated unexpectedly")
				return joinOutput(out), 1
			}
			if s.dropStale(line) {
				continue
			}
			if !collecting && strings.TrimSpace(line) == "" {
				continue
			}
			if strings.HasPrefix(line, "+") {
				// xtrace noise from the shell echoing commands.
				continue
			}
			if strings.HasPrefix(line, marker) {
				return joinOutput(trimTrailingBlank(out)), parseExitCode(line)
			}
			collecting = true
			out = append(out, line)
		case <-timer.C:
			s.mu.Lock()
			s.stale = append(s.stale, marker)
			s.mu.Unlock()
			out = append(out, fmt.Sprintf("command timed out after %s", timeout))
			return joinOutput(out), 124
		}
	}
}

// dropStale reports whether the line belongs to a previously timed-out
// command. The shell executes sequentially, so while a stale marker is
// outstanding every line precedes it and is discarded; the marker line
// itself retires the oldest outstanding marker.
func (s *shellSession) dropStale(line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stale) == 0 {
		return false
	}
	if strings.HasPrefix(line, s.stale[0]) {
		s.stale = s.stale[1:]
	}
	return true
}

func (s *shellSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.stdin.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd.Wait()
}

func newMarker() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// parseExitCode extracts the status the shell appended after the marker.
// Unparsable codes default to 0 so well-formed output is not discarded.
func parseExitCode(line string) int {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0
	}
	return code
}

func trimTrailingBlank(lines []string) []string {
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func joinOutput(lines []string) string {
	return strings.Join(lines, "\n")
}
