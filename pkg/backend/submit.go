package backend

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/parxlib/parx/pkg/log"
)

// Configuration of the submission backend. Every worker is materialized by
// submitting one job to an external queuing system. Spawn latency is high
// and variable: the worker connects to the coordinator whenever the queue
// decides to run the job.
type SubmissionConfig struct {
	// Command submitting a job. The worker command line is appended.
	// The command must print the job identifier on its first output line.
	SubmitCommand []string `mapstructure:"submit_command"`

	// Command cancelling a job. The job identifier is appended.
	CancelCommand []string `mapstructure:"cancel_command"`

	// Command used to start a worker inside the job.
	WorkerCommand []string `mapstructure:"worker_command"`
}

type submissionBackend struct {
	config SubmissionConfig
}

// Create a backend submitting one queue job per worker.
func NewSubmission(config SubmissionConfig) (Backend, error) {
	if len(config.SubmitCommand) == 0 {
		return nil, fmt.Errorf("submission backend requires a submit_command")
	}
	if len(config.WorkerCommand) == 0 {
		config.WorkerCommand = []string{"parx-worker"}
	}
	return &submissionBackend{config: config}, nil
}

func (b *submissionBackend) Name() string {
	return "submission"
}

// The queue accepts arbitrarily many jobs; capacity is not enforced here.
func (b *submissionBackend) Capacity() int {
	return -1
}

func (b *submissionBackend) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	argv := append([]string{}, b.config.SubmitCommand...)
	argv = append(argv, spec.Request.SchedulerArgs...)
	argv = append(argv, b.config.WorkerCommand...)
	argv = append(argv, workerArgs(spec)...)

	log.Debug("submitting:", strings.Join(argv, " "))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("job submission failed: %w", err)
	}

	jobID := firstLine(output)
	if jobID == "" {
		return nil, fmt.Errorf("job submission produced no job id")
	}

	log.Debugf("submitted job %s for spawn %s", jobID, spec.Token)

	return &submittedJob{
		token:  spec.Token,
		jobID:  jobID,
		cancel: b.config.CancelCommand,
		done:   make(chan error, 1),
	}, nil
}

func (b *submissionBackend) Close() error {
	return nil
}

// A worker pending in, or running under, an external queue. Termination is
// only observable through the worker channel, so Done fires on Kill alone.
type submittedJob struct {
	token  string
	jobID  string
	cancel []string

	killOnce sync.Once
	done     chan error
}

func (j *submittedJob) Token() string {
	return j.token
}

func (j *submittedJob) Kill() error {
	var err error
	j.killOnce.Do(func() {
		defer close(j.done)
		if len(j.cancel) == 0 {
			return
		}
		argv := append(append([]string{}, j.cancel...), j.jobID)
		log.Debug("cancelling job:", strings.Join(argv, " "))
		err = exec.Command(argv[0], argv[1:]...).Run()
	})
	return err
}

func (j *submittedJob) Done() <-chan error {
	return j.done
}

func firstLine(output []byte) string {
	line, _, _ := bytes.Cut(output, []byte("\n"))
	return string(bytes.TrimSpace(line))
}
