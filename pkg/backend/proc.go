package backend

import (
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/parxlib/parx/pkg/log"
)

// A worker running as a child process of the coordinator.
type execProcess struct {
	token string
	cmd   *exec.Cmd
	done  chan error

	killOnce sync.Once
}

// Start a worker process. Output is routed into the coordinator log.
func startProcess(token, cwd string, env []string, argv ...string) (*execProcess, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = log.NewLogWriter(log.DebugLevel)
	cmd.Stderr = log.NewLogWriter(log.DebugLevel)
	cmd.SysProcAttr = sysProcAttr()
	if cwd != "" {
		cmd.Dir = cwd
	}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	log.Debug("spawning:", strings.Join(cmd.Args, " "))

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	process := &execProcess{
		token: token,
		cmd:   cmd,
		done:  make(chan error, 1),
	}

	go func() {
		if err := cmd.Wait(); err != nil {
			process.done <- err
		}
		close(process.done)
	}()

	return process, nil
}

func (p *execProcess) Token() string {
	return p.token
}

func (p *execProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		if p.cmd.Process != nil {
			err = p.cmd.Process.Kill()
		}
	})
	return err
}

func (p *execProcess) Done() <-chan error {
	return p.done
}
