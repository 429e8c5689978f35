package cluster

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// localRuntime runs zone servers as child processes. Processes are started
// detached from the caller's context; their lifetime is governed by stop,
// not by whichever request happened to launch them.
type localRuntime struct{}

func (r *localRuntime) start(ctx context.Context, spec ZoneSpec) (*process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Executable == "" {
		return nil, fmt.Errorf("executable must be set for the process runtime (zone %s)", spec.Name)
	}

	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	proc := newProcess(spec, string(runtimeLocal))
	proc.setActiveStatus("running")
	proc.stopFn = func(stopCtx context.Context) error {
		_ = cmd.Process.Signal(syscall.SIGINT)
		select {
		case <-proc.doneCh:
			return nil
		case <-stopCtx.Done():
			_ = cmd.Process.Kill()
			return stopCtx.Err()
		case <-time.After(5 * time.Second):
			_ = cmd.Process.Kill()
			return nil
		}
	}

	go func() {
		if err := cmd.Wait(); err != nil {
			proc.setFinalStatus("stopped", err)
		} else {
			proc.setFinalStatus("exited", nil)
		}
	}()

	return proc, nil
}

func (r *localRuntime) shutdown() {}
