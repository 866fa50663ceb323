package guardian

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// A Scanner discovers the worker processes running on this host.
type Scanner interface {
	// DiscoverWorkerPIDs returns the PIDs of all worker processes currently running.
	// An empty set is not an error.
	DiscoverWorkerPIDs(ctx context.Context) (PIDSet, error)
}

// NewProcScanner returns a Scanner that lists processes through the OS process table
// and matches their command lines against the given pattern.
func NewProcScanner(pattern *regexp.Regexp) Scanner {
	return &procScanner{pattern: pattern}
}

type procScanner struct {
	pattern *regexp.Regexp
}

func (s *procScanner) DiscoverWorkerPIDs(ctx context.Context) (PIDSet, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("Failed to list processes: %w", err)
	}
	pids := PIDSet{}
	for _, p := range procs {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil {
			// Most likely it exited after we listed it.
			log.Debug("Failed to read command line for pid %d: %s", p.Pid, err)
			continue
		}
		if s.pattern.MatchString(cmdline) {
			pids[int(p.Pid)] = struct{}{}
		}
	}
	return pids, nil
}

// NewPSScanner returns a Scanner that scrapes the output of ps.
// It is less efficient than the proc scanner but works anywhere ps does.
func NewPSScanner(pattern *regexp.Regexp) Scanner {
	return &psScanner{pattern: pattern}
}

type psScanner struct {
	pattern *regexp.Regexp
}

func (s *psScanner) DiscoverWorkerPIDs(ctx context.Context) (PIDSet, error) {
	cmd := exec.CommandContext(ctx, "ps", "-e", "-o", "pid=,command=")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("Failed to run ps: %w", err)
	}
	return parseProcessTable(bytes.NewReader(out), s.pattern, cmd.Process.Pid), nil
}

var processLineRe = regexp.MustCompile(`^\s*(\d+)\s+(.+)$`)

// parseProcessTable extracts the PIDs of all lines of ps output whose command matches the pattern.
// The process with PID exclude (i.e. the ps invocation itself) never matches.
// Lines that don't look like "<pid> <command>" are skipped. Lines are not limited in length
// since ps doesn't truncate commands when writing to a pipe.
func parseProcessTable(r io.Reader, pattern *regexp.Regexp, exclude int) PIDSet {
	pids := PIDSet{}
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			if pid, ok := parseProcessLine(line, pattern); ok && pid != exclude {
				pids[pid] = struct{}{}
			}
		}
		if err == io.EOF {
			return pids
		} else if err != nil {
			log.Warning("Failed to read process table: %s", err)
			return pids
		}
	}
}

// parseProcessLine returns the PID from a single line of ps output if its command matches the pattern.
func parseProcessLine(line string, pattern *regexp.Regexp) (int, bool) {
	matches := processLineRe.FindStringSubmatch(line)
	if matches == nil {
		log.Debug("Skipping unparseable process table line: %.200q", line)
		return 0, false
	}
	pid, err := strconv.Atoi(matches[1])
	if err != nil {
		log.Debug("Skipping process table line with invalid pid: %.200q", line)
		return 0, false
	}
	return pid, pattern.MatchString(matches[2])
}
