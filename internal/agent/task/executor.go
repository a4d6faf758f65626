package task

import (
	"context"
	"fmt"
	"strings"

	"opendut/internal/model"
)

// ContainerExecutorTask keeps one container-backed executor running via
// the configured engine (docker or podman). Executable-kind executors
// have no payload to launch and are realized as no-ops by the reconciler.
type ContainerExecutorTask struct {
	Runner   commandRunner
	Executor model.ExecutorDescriptor
}

func (t *ContainerExecutorTask) runner() commandRunner {
	if t.Runner != nil {
		return t.Runner
	}
	return defaultRunner
}

func (t *ContainerExecutorTask) engine() string {
	if t.Executor.Container.Engine == "" {
		return "docker"
	}
	return t.Executor.Container.Engine
}

func (t *ContainerExecutorTask) containerName() string {
	if t.Executor.Container.Name != "" {
		return t.Executor.Container.Name
	}
	// Derive a stable name from the image when none is configured.
	name := t.Executor.Container.Image
	name = strings.NewReplacer("/", "-", ":", "-", ".", "-").Replace(name)
	return "opendut-executor-" + name
}

func (t *ContainerExecutorTask) Description() string {
	return fmt.Sprintf("run container executor %q (%s)", t.containerName(), t.Executor.Container.Image)
}

func (t *ContainerExecutorTask) CheckPresent(ctx context.Context) (Fulfilled, error) {
	out, err := t.runner().run(ctx, t.engine(), "ps", "--filter", "name=^"+t.containerName()+"$", "--format", "{{.Names}}")
	if err != nil {
		return FulfilledNo, err
	}
	if strings.TrimSpace(out) == t.containerName() {
		return FulfilledYes, nil
	}
	return FulfilledNo, nil
}

func (t *ContainerExecutorTask) MakePresent(ctx context.Context) error {
	// A stopped or stale container with the same name blocks a fresh run.
	_, _ = t.runner().run(ctx, t.engine(), "rm", "--force", t.containerName())

	args := []string{"run", "--detach", "--restart", "unless-stopped", "--name", t.containerName()}
	for _, volume := range t.Executor.Container.Volumes {
		args = append(args, "--volume", volume)
	}
	for _, device := range t.Executor.Container.Devices {
		args = append(args, "--device", device)
	}
	for _, port := range t.Executor.Container.Ports {
		args = append(args, "--publish", port)
	}
	for _, env := range t.Executor.Container.Envs {
		args = append(args, "--env", env.Name+"="+env.Value)
	}
	if t.Executor.ResultsURL != "" {
		args = append(args, "--env", "RESULTS_URL="+t.Executor.ResultsURL)
	}
	args = append(args, t.Executor.Container.Image)
	if t.Executor.Container.Command != "" {
		args = append(args, t.Executor.Container.Command)
	}
	args = append(args, t.Executor.Container.Args...)

	_, err := t.runner().run(ctx, t.engine(), args...)
	return err
}

func (t *ContainerExecutorTask) CheckAbsent(ctx context.Context) (Fulfilled, error) {
	out, err := t.runner().run(ctx, t.engine(), "ps", "--all", "--filter", "name=^"+t.containerName()+"$", "--format", "{{.Names}}")
	if err != nil {
		return FulfilledNo, err
	}
	if strings.TrimSpace(out) == "" {
		return FulfilledYes, nil
	}
	return FulfilledNo, nil
}

func (t *ContainerExecutorTask) MakeAbsent(ctx context.Context) error {
	_, err := t.runner().run(ctx, t.engine(), "rm", "--force", t.containerName())
	return err
}

// NoopTask satisfies Task for parameters that require no host mutation.
type NoopTask struct {
	Reason string
}

func (t *NoopTask) Description() string { return t.Reason }

func (t *NoopTask) CheckPresent(context.Context) (Fulfilled, error) { return FulfilledUnchecked, nil }
func (t *NoopTask) MakePresent(context.Context) error               { return nil }
func (t *NoopTask) CheckAbsent(context.Context) (Fulfilled, error)  { return FulfilledUnchecked, nil }
func (t *NoopTask) MakeAbsent(context.Context) error                { return nil }
