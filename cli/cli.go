// Package cli implements some simple shared CLI flag types.
package cli

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/peterebden/go-cli-init/v4/flags"
	"github.com/peterebden/go-cli-init/v4/logging"
	"github.com/thought-machine/http-admin"
)

var log = logging.MustGetLogger()

var jobLimitRe = regexp.MustCompile(`^([A-Za-z0-9_.:-]+)=(.+)$`)

// LoggingOpts are a common set of logging options that we use across the repo.
type LoggingOpts struct {
	Verbosity     logging.Verbosity `short:"v" long:"verbosity" default:"notice" description:"Verbosity of output (higher number = more output)"`
	FileVerbosity logging.Verbosity `long:"file_verbosity" default:"debug" description:"Verbosity of file logging output"`
	LogFile       string            `long:"log_file" description:"File to additionally log output to"`
	Structured    bool              `long:"structured_logs" env:"STRUCTURED_LOGS" description:"Output logs in structured (JSON) format"`
}

// AdminOpts is a re-export of the admin type so servers don't need to import it directly.
type AdminOpts = admin.Opts

// ParseFlagsOrDie parses incoming flags and sets up logging etc.
func ParseFlagsOrDie(name string, opts interface{}, loggingOpts *LoggingOpts) (string, logging.LogLevelInfo) {
	cmd := flags.ParseFlagsOrDie(name, opts)
	return cmd, logging.MustInitStructuredLogging(loggingOpts.Verbosity, loggingOpts.FileVerbosity, loggingOpts.LogFile, loggingOpts.Structured)
}

// ServeAdmin starts the admin HTTP server, which also serves our Prometheus metrics.
// It will block forever so the caller may well want to use a goroutine.
func ServeAdmin(opts AdminOpts, info logging.LogLevelInfo) {
	opts.Logger = logging.MustGetLoggerNamed("github.com.thought-machine.http-admin")
	opts.LogInfo = info
	go admin.Serve(opts)
}

// A JobLimit is a memory limit that applies to a single type of job, written like
//
//	allocate=500MiB
//
// A bare number is taken to be in bytes.
type JobLimit struct {
	Job   string
	Bytes uint64
}

func (l *JobLimit) UnmarshalFlag(in string) error {
	matches := jobLimitRe.FindStringSubmatch(in)
	if matches == nil {
		return fmt.Errorf("Unknown job limit format: %s", in)
	}
	b, err := humanize.ParseBytes(strings.TrimSpace(matches[2]))
	if err != nil {
		return fmt.Errorf("Invalid size for job %s: %s", matches[1], err)
	} else if b < 1024 {
		return fmt.Errorf("Memory limit for %s must be at least 1KiB, got %s", matches[1], matches[2])
	}
	l.Job = matches[1]
	l.Bytes = b
	return nil
}

// KB returns the limit in kilobytes.
func (l JobLimit) KB() uint64 {
	return l.Bytes / 1024
}

// JobLimits converts a slice of limits into a map of job name -> limit in KB.
// Later limits for the same job override earlier ones.
func JobLimits(limits []JobLimit) map[string]uint64 {
	ret := make(map[string]uint64, len(limits))
	for _, l := range limits {
		ret[l.Job] = l.KB()
	}
	return ret
}

// MustGetLogger is a re-export of the same function from the CLI library.
var MustGetLogger = logging.MustGetLogger
