package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/candorlabs/foreman/internal/task"
)

// DockerRunner drives containers through the docker CLI. Each execution gets
// a detached container running the plan's commands as one shell script;
// output is followed with `docker logs -f` and the exit status collected with
// `docker wait`.
type DockerRunner struct {
	binaryPath string
	image      string
	workdir    string
}

type DockerConfig struct {
	BinaryPath string
	Image      string
	Workdir    string
}

func NewDockerRunner(cfg DockerConfig) *DockerRunner {
	bin := strings.TrimSpace(cfg.BinaryPath)
	if bin == "" {
		bin = "docker"
	}
	image := strings.TrimSpace(cfg.Image)
	if image == "" {
		image = "alpine:3.20"
	}
	return &DockerRunner{binaryPath: bin, image: image, workdir: strings.TrimSpace(cfg.Workdir)}
}

func (r *DockerRunner) Start(ctx context.Context, taskID string, plan []task.PlanStep) (Handle, error) {
	script := scriptFor(plan)
	args := []string{"run", "-d", "--label", "foreman.task_id=" + taskID}
	if r.workdir != "" {
		args = append(args, "-w", r.workdir)
	}
	args = append(args, r.image, "sh", "-ce", script)

	cmd := exec.CommandContext(ctx, r.binaryPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		errText := strings.TrimSpace(stderr.String())
		if errText != "" {
			return "", fmt.Errorf("docker run failed: %w: %s", err, errText)
		}
		return "", fmt.Errorf("docker run failed: %w", err)
	}

	containerID := strings.TrimSpace(stdout.String())
	if containerID == "" {
		return "", fmt.Errorf("docker run returned no container id")
	}
	return Handle(containerID), nil
}

func (r *DockerRunner) Stream(ctx context.Context, h Handle) (<-chan Chunk, error) {
	cmd := exec.CommandContext(ctx, r.binaryPath, "logs", "-f", string(h))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("logs stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("logs stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("docker logs failed: %w", err)
	}

	out := make(chan Chunk, 64)
	var wg sync.WaitGroup
	wg.Add(2)
	scan := func(name StreamName, src *bufio.Scanner) {
		defer wg.Done()
		for src.Scan() {
			line := src.Text()
			if line == "" {
				continue
			}
			select {
			case out <- Chunk{Stream: name, Data: line}:
			case <-ctx.Done():
				return
			}
		}
	}
	go scan(Stdout, bufio.NewScanner(stdout))
	go scan(Stderr, bufio.NewScanner(stderr))
	go func() {
		wg.Wait()
		_ = cmd.Wait()
		close(out)
	}()
	return out, nil
}

func (r *DockerRunner) Signal(ctx context.Context, h Handle, sig Signal) error {
	var sub string
	switch sig {
	case SignalTerminate:
		sub = "kill"
	case SignalPause:
		sub = "pause"
	case SignalResume:
		sub = "unpause"
	default:
		return fmt.Errorf("unknown signal %q", sig)
	}
	cmd := exec.CommandContext(ctx, r.binaryPath, sub, string(h))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("docker %s failed: %w: %s", sub, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (r *DockerRunner) Wait(ctx context.Context, h Handle) (int, error) {
	cmd := exec.CommandContext(ctx, r.binaryPath, "wait", string(h))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("docker wait failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	code, err := strconv.Atoi(strings.TrimSpace(stdout.String()))
	if err != nil {
		return 0, fmt.Errorf("docker wait returned %q: %w", strings.TrimSpace(stdout.String()), err)
	}
	return code, nil
}

// scriptFor turns a plan into the container's shell script. A plan without
// commands still gets a container that exits cleanly, so a command-less task
// behaves the same here as under the mock runner.
func scriptFor(plan []task.PlanStep) string {
	if s := buildScript(plan); s != "" {
		return s
	}
	return "true"
}

func buildScript(plan []task.PlanStep) string {
	var b strings.Builder
	for _, step := range plan {
		cmd := strings.TrimSpace(step.Command)
		if cmd == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "echo '>> step %d: %s'\n", step.Seq, strings.ReplaceAll(step.Title, "'", ""))
		b.WriteString(cmd)
	}
	return b.String()
}
