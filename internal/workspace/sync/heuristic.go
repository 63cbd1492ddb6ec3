package sync

import "strings"

// ExplicitOp is a filesystem command with a dedicated consistency path.
type ExplicitOp string

const (
	OpTouch ExplicitOp = "touch"
	OpRm    ExplicitOp = "rm"
	OpMkdir ExplicitOp = "mkdir"
)

// MutatesFiles reports whether a command is likely to have changed files:
// its first token is in the configured mutating set, or it redirects output.
// The keyword list is policy, not a guarantee; the explicit touch/rm/mkdir
// paths cover the cases where a miss would be most visible.
func (s *Syncer) MutatesFiles(command string) bool {
	if strings.Contains(command, ">") {
		return true
	}

	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}

	first := fields[0]
	// "python3 script.py" and "/usr/bin/python3 script.py" match the same
	// keyword.
	if idx := strings.LastIndex(first, "/"); idx >= 0 {
		first = first[idx+1:]
	}
	return s.mutating[first]
}

// ParseExplicitOp recognizes simple single-path touch/rm/mkdir invocations.
// Commands with shell metacharacters, globs or multiple paths fall through
// to the ordinary heuristic instead.
func ParseExplicitOp(command string) (ExplicitOp, string, bool) {
	if strings.ContainsAny(command, "|&;<>*?$`\"'") {
		return "", "", false
	}

	fields := strings.Fields(command)
	if len(fields) < 2 {
		return "", "", false
	}

	var op ExplicitOp
	switch fields[0] {
	case "touch":
		op = OpTouch
	case "rm":
		op = OpRm
	case "mkdir":
		op = OpMkdir
	default:
		return "", "", false
	}

	var paths []string
	for _, f := range fields[1:] {
		if strings.HasPrefix(f, "-") {
			continue
		}
		paths = append(paths, f)
	}
	if len(paths) != 1 {
		return "", "", false
	}

	rel, ok := cleanRelPath(paths[0])
	if !ok {
		return "", "", false
	}
	return op, rel, true
}

// cleanRelPath normalizes a sandbox-relative path and rejects anything that
// escapes the workspace root.
func cleanRelPath(p string) (string, bool) {
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimSuffix(p, "/")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", false
		}
	}
	return p, true
}
