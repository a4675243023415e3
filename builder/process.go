package builder

import (
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/shlex"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/deckstore/id"
	"github.com/t7a/deckstore/manifest"
	"github.com/t7a/deckstore/progress"
)

// DefaultShell runs each phase script as `sh -ec <script>`.
const DefaultShell = "/bin/sh -ec"

// Job is one phase of one build.
type Job struct {
	Manifest id.ManifestId
	Phase    manifest.Phase
	// Script is the phase script with settings substituted.
	Script string
	Dir    string
	Env    []string
}

// Getenv returns the value of key in the job environment.
func (job Job) Getenv(key string) string {
	for _, kv := range job.Env {
		if strings.HasPrefix(kv, key+"=") {
			return kv[len(key)+1:]
		}
	}
	return ""
}

// Runner executes phase scripts.  Run returns nil on exit status 0,
// a *BuildFailedError on any other exit status, and a
// *WorkerDisconnectedError if the process could not be started or
// was killed.
type Runner interface {
	Run(ctx context.Context, job Job, stdout, stderr io.Writer) error
}

// ExecRunner runs scripts as child processes of a shell.
type ExecRunner struct {
	Shell []string
}

// NewExecRunner splits shell into a command line.  An empty shell
// means DefaultShell.
func NewExecRunner(shell string) (r *ExecRunner, err error) {
	if shell == "" {
		shell = DefaultShell
	}
	argv, err := shlex.Split(shell)
	if err != nil {
		return nil, errors.Wrapf(err, "parse shell %q", shell)
	}
	if len(argv) == 0 {
		return nil, errors.Errorf("empty shell command")
	}
	return &ExecRunner{Shell: argv}, nil
}

func (r *ExecRunner) Run(ctx context.Context, job Job, stdout, stderr io.Writer) (err error) {
	args := append(append([]string{}, r.Shell[1:]...), job.Script)
	cmd := exec.CommandContext(ctx, r.Shell[0], args...)
	cmd.Dir = job.Dir
	cmd.Env = job.Env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// kill the whole process group
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second

	log.Debugf("%s: running phase %s in %s", job.Manifest, job.Phase.Name, job.Dir)
	err = cmd.Run()
	if err == nil {
		return nil
	}
	var xerr *exec.ExitError
	if errors.As(err, &xerr) {
		status, ok := xerr.Sys().(syscall.WaitStatus)
		if ok && status.Signaled() {
			return &WorkerDisconnectedError{Manifest: job.Manifest, Phase: job.Phase.Name, Err: err}
		}
		return &BuildFailedError{Manifest: job.Manifest, Phase: job.Phase.Name, Code: xerr.ExitCode()}
	}
	return &WorkerDisconnectedError{Manifest: job.Manifest, Phase: job.Phase.Name, Err: err}
}

// phaseOf maps a recipe phase name to the sub-phase clients see.
func phaseOf(name string) progress.Phase {
	switch strings.ToLower(name) {
	case "prepare", "unpack", "patch":
		return progress.PhasePreparing
	case "configure":
		return progress.PhaseConfiguring
	case "build", "compile":
		return progress.PhaseCompiling
	case "check", "test":
		return progress.PhaseTesting
	case "install", "finalize", "strip":
		return progress.PhaseFinalizing
	}
	return progress.PhaseCompiling
}

// outputLog fans process output into the build log and into Building
// events.  Stdout and stderr are copied by separate goroutines, so
// writes are serialized.
type outputLog struct {
	mu   sync.Mutex
	log  io.Writer
	emit func(ev progress.Event)
	base progress.Event
}

type stream struct {
	o      *outputLog
	stderr bool
}

func (o *outputLog) streams(base progress.Event) (stdout, stderr io.Writer) {
	o.mu.Lock()
	o.base = base
	o.mu.Unlock()
	return &stream{o: o}, &stream{o: o, stderr: true}
}

func (s *stream) Write(p []byte) (n int, err error) {
	s.o.mu.Lock()
	defer s.o.mu.Unlock()
	n, err = s.o.log.Write(p)
	if err != nil {
		return
	}
	ev := s.o.base
	chunk := append([]byte(nil), p...)
	if s.stderr {
		ev.Stderr = chunk
	} else {
		ev.Stdout = chunk
	}
	s.o.emit(ev)
	return len(p), nil
}
