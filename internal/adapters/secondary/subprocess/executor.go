// Package subprocess runs external pipeline steps as local processes. The
// step invocation is written as JSON to the process stdin and the step
// result is read as JSON from its stdout.
package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"ml-pipelines/internal/core/domain"
	output "ml-pipelines/internal/core/ports/output"
)

const (
	// stderrTail is how many trailing stderr lines are kept for error reports.
	stderrTail = 20
	waitDelay  = 2 * time.Second
)

type Executor struct {
	timeout time.Duration
	env     []string
}

var _ output.StepExecutor = (*Executor)(nil)

// NewExecutor creates an executor. A zero timeout disables the per-step deadline.
func NewExecutor(timeout time.Duration, env map[string]string) *Executor {
	return &Executor{timeout: timeout, env: envList(env)}
}

func (e *Executor) Execute(ctx context.Context, inv output.StepInvocation) (*output.StepResult, error) {
	if len(inv.Settings.Command) == 0 {
		return nil, fmt.Errorf("%w: no command configured for step %s", domain.ErrExecutorUnavailable, inv.Step)
	}

	payload, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("marshal step invocation: %w", err)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, inv.Settings.Command[0], inv.Settings.Command[1:]...)
	cmd.Dir = inv.Settings.WorkDir
	cmd.Env = append(append(os.Environ(), e.env...), envList(inv.Settings.Env)...)
	cmd.Env = append(cmd.Env,
		"PIPELINE_NAME="+inv.Pipeline,
		"PIPELINE_STEP="+inv.Step,
		"PIPELINE_RUN_ID="+inv.RunID.String(),
	)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	logger := log.WithFields(log.Fields{"pipeline": inv.Pipeline, "step": inv.Step, "run_id": inv.RunID})
	tail := newLineTail(stderrTail)
	stderr := &lineWriter{logger: logger, tail: tail}
	cmd.Stderr = stderr
	// Children that inherit the pipes must not block Wait past cancellation.
	cmd.WaitDelay = waitDelay

	logger.WithField("command", strings.Join(inv.Settings.Command, " ")).Debug("starting step process")

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", inv.Settings.Command[0], err)
	}

	err = cmd.Wait()
	stderr.Flush()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("step %s: %w", inv.Step, ctx.Err())
		}
		return nil, fmt.Errorf("step %s: %w: %s", inv.Step, err, tail.String())
	}

	return DecodeResult(stdout.Bytes())
}

// DecodeResult parses the JSON document a step process prints on stdout.
func DecodeResult(data []byte) (*output.StepResult, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return &output.StepResult{Outputs: map[string]domain.Artifact{}}, nil
	}
	var res output.StepResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("%w: decode step result: %v", domain.ErrInvalidArtifact, err)
	}
	if res.Outputs == nil {
		res.Outputs = map[string]domain.Artifact{}
	}
	return &res, nil
}

// lineWriter logs every complete line written to it.
type lineWriter struct {
	logger *log.Entry
	tail   *lineTail
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(bytes.TrimRight(w.buf[:i], "\r")))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush logs a trailing partial line.
func (w *lineWriter) Flush() {
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}

func (w *lineWriter) emit(line string) {
	w.tail.Add(line)
	w.logger.Info(line)
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// lineTail keeps the last n lines written to it.
type lineTail struct {
	n     int
	lines []string
}

func newLineTail(n int) *lineTail {
	return &lineTail{n: n}
}

func (t *lineTail) Add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *lineTail) String() string {
	return strings.Join(t.lines, "\n")
}
