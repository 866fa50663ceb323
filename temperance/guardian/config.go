package guardian

import (
	"os"
	"regexp"
	"time"

	"github.com/peterebden/go-cli-init/v4/flags"
)

// DefaultWorkerPattern matches the command line of a temperance worker process.
const DefaultWorkerPattern = `temperance.*\bworker\b`

// Config is a snapshot of the guardian's settings for a single job invocation.
// It is passed by value and never modified once the loops have started.
type Config struct {
	Interval          time.Duration
	AggregateInterval time.Duration
	MemLimitKB        uint64
	AggMemLimitKB     uint64
	MaxTermAttempts   int
	Verbose           bool
	// Escalate sends termination signals to this process after a breach.
	Escalate bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Interval:          1 * time.Second,
		AggregateInterval: 10 * time.Second,
		MemLimitKB:        300 * 1024,
		AggMemLimitKB:     300 * 1024 * 6,
		MaxTermAttempts:   defaultMaxTerm(),
		Escalate:          true,
	}
}

// defaultMaxTerm allows a grace period of graceful signals only when child termination has been requested.
func defaultMaxTerm() int {
	if os.Getenv("TERM_CHILD") != "" {
		return 10
	}
	return 0
}

// Opts is the set of flags used to configure the guardian.
type Opts struct {
	Interval          flags.Duration `long:"interval" env:"TEMPERANCE_INTERVAL" default:"1s" description:"Interval between checks of this worker's memory"`
	AggregateInterval flags.Duration `long:"aggregate_interval" env:"TEMPERANCE_AGGREGATE_INTERVAL" default:"10s" description:"Interval between checks of the total memory of all workers on this host"`
	MemLimit          flags.ByteSize `long:"mem_limit" env:"TEMPERANCE_MEM_LIMIT" default:"300MiB" description:"Memory limit for a single worker"`
	AggMemLimit       flags.ByteSize `long:"agg_mem_limit" env:"TEMPERANCE_AGG_MEM_LIMIT" default:"1800MiB" description:"Memory limit for all workers on this host combined"`
	MaxTerm           int            `long:"max_term" env:"TEMPERANCE_MAX_TERM" default:"-1" description:"Number of SIGTERMs to send before escalating to SIGKILL. Defaults to 10 if TERM_CHILD is set, 0 otherwise."`
	Verbose           bool           `long:"verbose" env:"TEMPERANCE_VERBOSE" description:"Log this worker's memory usage on every check"`
	NoEscalate        bool           `long:"no_escalate" description:"Only report breaches, don't signal the worker"`
	WorkerPattern     string         `long:"worker_pattern" default:"temperance.*\\bworker\\b" description:"Regex matching the command lines of worker processes on this host"`
	Scanner           string         `long:"scanner" default:"proc" choice:"proc" choice:"ps" description:"How to discover worker processes"`
}

// Config converts these options into a Config.
func (o Opts) Config() Config {
	c := DefaultConfig()
	c.Interval = time.Duration(o.Interval)
	c.AggregateInterval = time.Duration(o.AggregateInterval)
	c.MemLimitKB = uint64(o.MemLimit) / 1024
	c.AggMemLimitKB = uint64(o.AggMemLimit) / 1024
	if o.MaxTerm >= 0 {
		c.MaxTermAttempts = o.MaxTerm
	}
	c.Verbose = o.Verbose
	c.Escalate = !o.NoEscalate
	return c
}

// NewScanner returns the scanner these options ask for.
func (o Opts) NewScanner() (Scanner, error) {
	pattern := o.WorkerPattern
	if pattern == "" {
		pattern = DefaultWorkerPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	if o.Scanner == "ps" {
		return NewPSScanner(re), nil
	}
	return NewProcScanner(re), nil
}
