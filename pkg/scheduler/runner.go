package scheduler

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/lmdm/labmonitor/pkg/clients"
	"github.com/lmdm/labmonitor/pkg/types"
)

// SSHJobRunner executes jobs on lab machines over SSH. A job runs detached
// under nohup and writes its exit code to a file in the job's state
// directory, so the controller can restart or lose connectivity without
// losing the result.
type SSHJobRunner struct {
	runnerFactory clients.RunnerFactory
	config        types.SchedulerConfig
}

func NewSSHJobRunner(runnerFactory clients.RunnerFactory, config types.SchedulerConfig) *SSHJobRunner {
	return &SSHJobRunner{
		runnerFactory: runnerFactory,
		config:        config,
	}
}

func (r *SSHJobRunner) stateDir(jobId string) string {
	return path.Join(r.config.RemoteStateDir, jobId)
}

func (r *SSHJobRunner) exitFile(jobId string) string {
	return path.Join(r.stateDir(jobId), "exit_code")
}

// Launch starts the job's command on the machine and returns the pid of the
// detached shell supervising it.
func (r *SSHJobRunner) Launch(ctx context.Context, req *types.JobRequest, machine *types.Machine) (int, error) {
	runner, err := r.runnerFactory(machine)
	if err != nil {
		return 0, err
	}
	defer runner.Close()

	stateDir := r.stateDir(req.JobId)

	if _, stderr, err := runner.Run(ctx, fmt.Sprintf("mkdir -p %s", shellQuote(stateDir))); err != nil {
		return 0, fmt.Errorf("failed to create job state dir: %v (%s)", err, strings.TrimSpace(stderr))
	}

	workDir := req.WorkDir
	if r.config.StageJobDirectory && req.SourceAddress != "" && req.SourcePath != "" {
		stagedDir := path.Join(stateDir, "workdir")
		stageCmd := fmt.Sprintf("scp -r -q -o StrictHostKeyChecking=no %s %s",
			shellQuote(fmt.Sprintf("%s:%s", req.SourceAddress, req.SourcePath)), shellQuote(stagedDir))

		if _, stderr, err := runner.Run(ctx, stageCmd); err != nil {
			return 0, fmt.Errorf("failed to stage job directory: %v (%s)", err, strings.TrimSpace(stderr))
		}

		workDir = stagedDir
	}

	script := req.Command
	if workDir != "" {
		script = fmt.Sprintf("cd %s && %s", shellQuote(workDir), req.Command)
	}

	// The wrapper shell writes the command's exit code when it finishes;
	// its pid is what we track and kill
	launchCmd := fmt.Sprintf(
		"nohup sh -c %s > %s 2> %s < /dev/null & echo $!",
		shellQuote(fmt.Sprintf("%s; echo $? > %s", script, shellQuote(r.exitFile(req.JobId)))),
		shellQuote(path.Join(stateDir, "stdout.log")),
		shellQuote(path.Join(stateDir, "stderr.log")),
	)

	stdout, stderr, err := runner.Run(ctx, launchCmd)
	if err != nil {
		return 0, fmt.Errorf("failed to launch job: %v (%s)", err, strings.TrimSpace(stderr))
	}

	pid, err := strconv.Atoi(strings.TrimSpace(stdout))
	if err != nil {
		return 0, fmt.Errorf("unexpected launch output %q: %w", stdout, err)
	}

	return pid, nil
}

// PollExit reports whether the job's process has finished and with what
// code. A missing exit file with a dead supervisor means the process was
// lost, which counts as an exit with code -1.
func (r *SSHJobRunner) PollExit(ctx context.Context, jobId string, machine *types.Machine, pid int) (int, bool, error) {
	runner, err := r.runnerFactory(machine)
	if err != nil {
		return 0, false, err
	}
	defer runner.Close()

	stdout, _, err := runner.Run(ctx, fmt.Sprintf("cat %s 2>/dev/null || true", shellQuote(r.exitFile(jobId))))
	if err != nil {
		return 0, false, err
	}

	trimmed := strings.TrimSpace(stdout)
	if trimmed != "" {
		exitCode, err := strconv.Atoi(trimmed)
		if err != nil {
			return 0, false, fmt.Errorf("unexpected exit file contents %q: %w", trimmed, err)
		}
		return exitCode, true, nil
	}

	// No exit code yet; if the supervisor shell is gone too, the process
	// died without writing one (reboot, oom kill of the shell, ...)
	_, _, err = runner.Run(ctx, fmt.Sprintf("kill -0 %d", pid))
	if err != nil {
		if clients.ExitCodeFromError(err) > 0 {
			return -1, true, nil
		}
		return 0, false, err
	}

	return 0, false, nil
}

// Kill terminates the job's supervisor shell and its children.
func (r *SSHJobRunner) Kill(ctx context.Context, machine *types.Machine, pid int) error {
	runner, err := r.runnerFactory(machine)
	if err != nil {
		return err
	}
	defer runner.Close()

	killCmd := fmt.Sprintf("kill -TERM %d 2>/dev/null; sleep 2; kill -KILL %d 2>/dev/null; true", pid, pid)
	if _, stderr, err := runner.Run(ctx, killCmd); err != nil {
		return fmt.Errorf("failed to kill remote process: %v (%s)", err, strings.TrimSpace(stderr))
	}

	return nil
}

// TailLogs reads the last lines of the job's stdout and stderr logs. The -v
// flag makes tail print a header per file so the two streams stay apart.
func (r *SSHJobRunner) TailLogs(ctx context.Context, jobId string, machine *types.Machine, lines int) (string, error) {
	runner, err := r.runnerFactory(machine)
	if err != nil {
		return "", err
	}
	defer runner.Close()

	stateDir := r.stateDir(jobId)
	tailCmd := fmt.Sprintf("tail -v -n %d %s %s 2>/dev/null || true",
		lines,
		shellQuote(path.Join(stateDir, "stdout.log")),
		shellQuote(path.Join(stateDir, "stderr.log")),
	)

	stdout, _, err := runner.Run(ctx, tailCmd)
	if err != nil {
		return "", fmt.Errorf("failed to read job logs: %w", err)
	}

	return stdout, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
