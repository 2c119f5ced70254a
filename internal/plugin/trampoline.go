// Package plugin implements the subprocess trampoline that calls into
// user-supplied application plug-ins: send, process, receive. Each is an
// executable at Settings/Applications/<App>/{send,process,receive}; the
// trampoline writes one JSON value to its stdin and reads one JSON value
// from its stdout, matching the calling convention fixed in spec §6. An
// empty stdout from process or receive is accepted and leaves the response
// at its zero value; send must print a list of cases.
package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gridagent/agent/internal/gridagent/apperr"
)

// Trampoline resolves and invokes an application's entry points.
type Trampoline struct {
	appsDir string
}

func New(appsDir string) *Trampoline {
	return &Trampoline{appsDir: appsDir}
}

func (t *Trampoline) entryPath(app, entry string) string {
	return filepath.Join(t.appsDir, app, entry)
}

// HasEntry reports whether app exposes entry (send/process/receive) as a
// local executable.
func (t *Trampoline) HasEntry(app, entry string) bool {
	info, err := os.Stat(t.entryPath(app, entry))
	return err == nil && !info.IsDir()
}

// sendRequest/sendResponse mirror select_input_files(filepath) -> list[list[path]].
type sendRequest struct {
	Filepath string `json:"filepath"`
}

// Send invokes app's send entry point with filepath and returns the ordered
// list of cases it expanded the selection into.
func (t *Trampoline) Send(ctx context.Context, app, filepath_ string) ([][]string, error) {
	var out [][]string
	if err := t.invoke(ctx, app, "send", sendRequest{Filepath: filepath_}, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, apperr.New(apperr.ClassPluginContract,
			fmt.Sprintf("%s/send returned no list of cases", app), nil)
	}
	for _, inner := range out {
		if inner == nil {
			return nil, apperr.New(apperr.ClassPluginContract,
				fmt.Sprintf("%s/send returned a case with a null input list", app), nil)
		}
	}
	return out, nil
}

// processRequest/processResponse mirror process_case(ordered_inputs) -> ordered_outputs.
type processRequest struct {
	Inputs []string `json:"inputs"`
}

type processResponse struct {
	Outputs []string `json:"outputs"`
}

// Process runs app's process entry point to completion, returning the
// resulting outputs. See StartProcess for the variant that returns a
// *Worker so callers can SIGSTOP/SIGCONT it.
func (t *Trampoline) Process(ctx context.Context, app string, inputs []string) ([]string, error) {
	var resp processResponse
	if err := t.invoke(ctx, app, "process", processRequest{Inputs: inputs}, &resp); err != nil {
		return nil, err
	}
	return resp.Outputs, nil
}

// receiveRequest mirrors receive_case(ordered_outputs) -> ().
type receiveRequest struct {
	Outputs []string `json:"outputs"`
}

// Receive invokes app's receive entry point on the ordered output paths.
func (t *Trampoline) Receive(ctx context.Context, app string, outputs []string) error {
	var ignored map[string]any
	return t.invoke(ctx, app, "receive", receiveRequest{Outputs: outputs}, &ignored)
}

func (t *Trampoline) invoke(ctx context.Context, app, entry string, req, resp any) error {
	path := t.entryPath(app, entry)
	if !t.HasEntry(app, entry) {
		return apperr.New(apperr.ClassPluginContract,
			fmt.Sprintf("%s/%s not found or not executable", app, entry), nil)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return apperr.New(apperr.ClassPluginContract, "marshal plug-in request", err)
	}

	cmd := exec.CommandContext(ctx, path)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return apperr.New(apperr.ClassPluginContract,
			fmt.Sprintf("%s/%s exited with error: %s", app, entry, stderr.String()), err)
	}

	if stdout.Len() == 0 {
		return nil
	}
	if err := json.Unmarshal(stdout.Bytes(), resp); err != nil {
		return apperr.New(apperr.ClassPluginContract,
			fmt.Sprintf("%s/%s returned malformed output", app, entry), err)
	}
	return nil
}

// Worker wraps a long-running `process` invocation as a real OS subprocess
// so the processing daemon can suspend/resume it at the OS level (spec §9:
// "Suspend/resume of workers requires OS primitives... SIGSTOP-equivalent is
// preferred"). Unlike invoke, the command is started but not waited on until
// Wait is called, giving the caller a window to Pause/Resume it.
type Worker struct {
	cmd    *exec.Cmd
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

// StartProcess starts app's process entry point with the given inputs and
// returns a handle the caller can Pause/Resume/Wait on.
func (t *Trampoline) StartProcess(ctx context.Context, app string, inputs []string) (*Worker, error) {
	path := t.entryPath(app, "process")
	if !t.HasEntry(app, "process") {
		return nil, apperr.New(apperr.ClassPluginContract,
			fmt.Sprintf("%s/process not found or not executable", app), nil)
	}
	payload, err := json.Marshal(processRequest{Inputs: inputs})
	if err != nil {
		return nil, apperr.New(apperr.ClassPluginContract, "marshal plug-in request", err)
	}

	cmd := exec.CommandContext(ctx, path)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Once the process has exited, Wait gives its output pipes one second
	// of grace, so a child it left running cannot hold Wait open.
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		return nil, apperr.New(apperr.ClassPluginContract,
			fmt.Sprintf("%s/process failed to start", app), err)
	}
	return &Worker{cmd: cmd, stdout: &stdout, stderr: &stderr}, nil
}

// Pid returns the OS process id of the running worker.
func (w *Worker) Pid() int { return w.cmd.Process.Pid }

// Pause sends SIGSTOP to the worker process.
func (w *Worker) Pause() error {
	return w.cmd.Process.Signal(syscall.SIGSTOP)
}

// Resume sends SIGCONT to the worker process.
func (w *Worker) Resume() error {
	return w.cmd.Process.Signal(syscall.SIGCONT)
}

// Terminate sends SIGTERM to the worker process.
func (w *Worker) Terminate() error {
	return w.cmd.Process.Signal(syscall.SIGTERM)
}

// Wait blocks for process exit and decodes stdout as the process_case
// response. Any exception raised by the plug-in (non-zero exit) is reported
// as apperr.ClassPluginCase — caught and never propagated past the worker
// pipeline (spec §4.G.1 step 3, §7.5).
func (w *Worker) Wait(app string) ([]string, error) {
	err := w.cmd.Wait()
	if err != nil {
		return nil, apperr.New(apperr.ClassPluginCase,
			fmt.Sprintf("%s/process failed: %s", app, w.stderr.String()), err)
	}
	if w.stdout.Len() == 0 {
		return nil, nil
	}
	var resp processResponse
	if err := json.Unmarshal(w.stdout.Bytes(), &resp); err != nil {
		return nil, apperr.New(apperr.ClassPluginContract,
			fmt.Sprintf("%s/process returned malformed output", app), err)
	}
	return resp.Outputs, nil
}
