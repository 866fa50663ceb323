// Package main implements Temperance, a job worker that keeps an eye on its own memory usage.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	_ "go.uber.org/automaxprocs"

	flags "github.com/thought-machine/temperance/cli"
	"github.com/thought-machine/temperance/temperance/alert"
	"github.com/thought-machine/temperance/temperance/guardian"
	"github.com/thought-machine/temperance/temperance/queue"
	"github.com/thought-machine/temperance/temperance/worker"
)

var log = flags.MustGetLogger()

var opts = struct {
	Usage   string
	Logging flags.LoggingOpts `group:"Options controlling logging output"`
	Worker  struct {
		RequestQueue string           `short:"q" long:"request_queue" required:"true" env:"TEMPERANCE_REQUEST_QUEUE" description:"URL defining the pub/sub subscription to receive jobs from, e.g. gcppubsub://projects/my-project/subscriptions/my-jobs"`
		Guardian     guardian.Opts    `group:"Options controlling memory limits" namespace:"guardian"`
		JobLimits    []flags.JobLimit `long:"job_mem_limit" description:"Memory limit for a single type of job, e.g. allocate=1GiB. Can be repeated."`
		VerboseJobs  []string         `long:"verbose_job" description:"Log memory usage on every check while running this type of job. Can be repeated."`
		Alerts       struct {
			Topic   string `long:"topic" env:"TEMPERANCE_ALERT_TOPIC" description:"URL of a pub/sub topic to send alerts to"`
			Webhook string `long:"webhook" env:"TEMPERANCE_ALERT_WEBHOOK" description:"URL to POST alerts to"`
		} `group:"Options controlling alerting" namespace:"alerts"`
		Admin flags.AdminOpts `group:"Options controlling HTTP admin server" namespace:"admin"`
	} `command:"worker" description:"Start as a worker"`
	Enqueue struct {
		RequestQueue string `short:"q" long:"request_queue" required:"true" env:"TEMPERANCE_REQUEST_QUEUE" description:"URL defining the pub/sub topic to send the job to"`
		Args         struct {
			Name string   `positional-arg-name:"name" required:"true" description:"Name of the job to run"`
			Args []string `positional-arg-name:"args" description:"Arguments to the job"`
		} `positional-args:"true" required:"true"`
	} `command:"enqueue" description:"Send a single job to the workers"`
	Scan struct {
		Guardian guardian.Opts `group:"Options controlling memory limits" namespace:"guardian"`
	} `command:"scan" description:"Report the memory used by all workers on this host"`
}{
	Usage: `
Temperance is a job worker that keeps its memory usage in check.

Workers receive jobs from a pub/sub subscription and run them one at a time. While a
job is running two monitors watch over it: one checks the worker's own resident memory
every second or so, the other checks the total resident memory of all workers on the
host less frequently (finding them requires a scan of the process table, which is not
free). If either exceeds its limit an alert is raised and the worker is sent a signal;
SIGTERM lets it finish its current job and exit, SIGKILL does not. By default workers
go straight to SIGKILL unless TERM_CHILD is set in the environment, in which case they
get ten SIGTERMs first.

The built-in jobs are "sleep <duration>" and "allocate <size> [<duration>]", which are
mostly useful for checking that the limits on a deployment are set as expected.
`,
}

func main() {
	cmd, info := flags.ParseFlagsOrDie("Temperance", &opts, &opts.Logging)
	var err error
	switch cmd {
	case "worker":
		flags.ServeAdmin(opts.Worker.Admin, info)
		err = runWorker()
	case "enqueue":
		err = enqueue()
	case "scan":
		err = scan()
	}
	if err != nil {
		log.Fatalf("%s", err)
	}
}

func runWorker() error {
	scanner, err := opts.Worker.Guardian.NewScanner()
	if err != nil {
		return fmt.Errorf("Invalid worker pattern: %s", err)
	}
	registry := worker.NewRegistry()
	worker.RegisterBuiltins(registry)
	for job, kb := range flags.JobLimits(opts.Worker.JobLimits) {
		registry.Override(job, worker.WithMemLimit(kb))
	}
	for _, job := range opts.Worker.VerboseJobs {
		registry.Override(job, worker.WithVerbose())
	}
	alerts := alert.Multi{}
	if opts.Worker.Alerts.Topic != "" {
		alerts["topic"] = alert.NewTopicSink(queue.MustOpenTopic(opts.Worker.Alerts.Topic))
	}
	if opts.Worker.Alerts.Webhook != "" {
		alerts["webhook"] = alert.NewWebhookSink(opts.Worker.Alerts.Webhook)
	}
	config := opts.Worker.Guardian.Config()
	log.Notice("Starting worker, memory limit %s, aggregate limit %s", humanize.IBytes(config.MemLimitKB*1024), humanize.IBytes(config.AggMemLimitKB*1024))
	worker.RunForever(opts.Worker.RequestQueue, registry, guardian.New(config, guardian.WithScanner(scanner)), alerts)
	return nil
}

func enqueue() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	job := worker.NewJob(opts.Enqueue.Args.Name, opts.Enqueue.Args.Args...)
	if err := worker.Enqueue(ctx, queue.MustOpenTopic(opts.Enqueue.RequestQueue), job); err != nil {
		return fmt.Errorf("Failed to enqueue job: %s", err)
	}
	log.Notice("Enqueued job %s: %s", job.ID, job.Descriptor())
	return queue.Shutdown(ctx)
}

func scan() error {
	scanner, err := opts.Scan.Guardian.NewScanner()
	if err != nil {
		return fmt.Errorf("Invalid worker pattern: %s", err)
	}
	ctx := context.Background()
	pids, err := scanner.DiscoverWorkerPIDs(ctx)
	if err != nil {
		return err
	}
	agg, err := guardian.SampleAll(ctx, guardian.NewSampler(), pids)
	if err != nil {
		return err
	}
	config := opts.Scan.Guardian.Config()
	fmt.Printf("Workers: %v\n", agg.PIDs.Sorted())
	fmt.Printf("Total:   %s / %s\n", humanize.IBytes(agg.TotalKB*1024), humanize.IBytes(config.AggMemLimitKB*1024))
	if guardian.Exceeds(agg.TotalKB, config.AggMemLimitKB) {
		fmt.Println("Over limit!")
		os.Exit(1)
	}
	return nil
}
