package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codebench/codebench/internal/common/config"
	"github.com/codebench/codebench/internal/common/logger"
	"github.com/codebench/codebench/internal/sandbox/docker"
	v1 "github.com/codebench/codebench/pkg/api/v1"
)

const stopTimeout = 10 * time.Second

// DockerRuntime provisions sandboxes as hardened containers on a local or
// remote Docker engine. The working directory is bind-mounted, so workspace
// files written to the mirror are immediately visible inside the sandbox.
type DockerRuntime struct {
	client *docker.Client
	cfg    config.SandboxConfig
	net    string
	logger *logger.Logger
}

var _ Runtime = (*DockerRuntime)(nil)

// NewDockerRuntime creates a Docker-backed runtime.
func NewDockerRuntime(dockerCfg config.DockerConfig, sandboxCfg config.SandboxConfig, log *logger.Logger) (*DockerRuntime, error) {
	cli, err := docker.NewClient(dockerCfg, log)
	if err != nil {
		return nil, err
	}

	return &DockerRuntime{
		client: cli,
		cfg:    sandboxCfg,
		net:    dockerCfg.NetworkMode,
		logger: log.WithFields(zap.String("runtime", "docker")),
	}, nil
}

func (r *DockerRuntime) Name() string { return "docker" }

func (r *DockerRuntime) Available(ctx context.Context) bool {
	return r.client.Ping(ctx) == nil
}

func (r *DockerRuntime) BindMounted() bool { return true }

// VerifyImage checks the sandbox image is present locally.
func (r *DockerRuntime) VerifyImage(ctx context.Context) error {
	exists, err := r.client.ImageExists(ctx, r.cfg.Image)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrImageMissing, r.cfg.Image)
	}
	return nil
}

// Provision creates and starts a sandbox container bound to the working
// directory. It fails fast when the image is missing.
func (r *DockerRuntime) Provision(ctx context.Context, key, workingDir string) (string, error) {
	if err := r.VerifyImage(ctx); err != nil {
		return "", err
	}

	name := containerName(key)
	containerID, err := r.client.CreateContainer(ctx, docker.ContainerConfig{
		Name:       name,
		Image:      r.cfg.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: r.cfg.WorkdirMount,
		User:       fmt.Sprintf("%d:%d", r.cfg.SandboxUID, r.cfg.SandboxUID),
		Mounts: []docker.MountConfig{
			{Source: workingDir, Target: r.cfg.WorkdirMount},
		},
		NetworkMode: r.net,
		Memory:      int64(r.cfg.MemoryMB) * 1024 * 1024,
		NanoCPUs:    int64(r.cfg.CPUCores * 1e9),
		PidsLimit:   int64(r.cfg.PidsLimit),
		Labels: map[string]string{
			LabelManaged:    ManagedValue,
			LabelSessionKey: key,
		},
		AutoRemove: true,
	})
	if err != nil {
		return "", err
	}

	if err := r.client.StartContainer(ctx, containerID); err != nil {
		// Creation succeeded but startup failed; do not leak the container.
		_ = r.client.RemoveContainer(ctx, containerID, true)
		return "", err
	}

	r.logger.Info("Sandbox provisioned",
		zap.String("session_key", key),
		zap.String("handle", containerID),
	)
	return containerID, nil
}

// Exec runs a one-shot command in the sandbox working directory.
func (r *DockerRuntime) Exec(ctx context.Context, handle, command string) (*v1.ExecResult, error) {
	result, err := r.client.ExecCommand(ctx, handle, []string{"sh", "-c", command}, r.cfg.WorkdirMount)
	if err != nil {
		return nil, err
	}
	return &v1.ExecResult{
		Output:   result.Output,
		ExitCode: result.ExitCode,
	}, nil
}

// Stop stops the container. AutoRemove tears it down on stop; the forced
// remove afterwards covers containers stuck in created state.
func (r *DockerRuntime) Stop(ctx context.Context, handle string) error {
	if err := r.client.StopContainer(ctx, handle, stopTimeout); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		if removeErr := r.client.RemoveContainer(ctx, handle, true); removeErr != nil && !client.IsErrNotFound(removeErr) {
			return err
		}
	}
	return nil
}

func (r *DockerRuntime) Stats(ctx context.Context, handle string) (*v1.SandboxStats, error) {
	info, err := r.client.GetContainerInfo(ctx, handle)
	if err != nil {
		return nil, err
	}

	stats, err := r.client.GetStats(ctx, handle)
	if err != nil {
		return nil, err
	}

	return &v1.SandboxStats{
		MemoryBytes: int64(stats.MemoryBytes),
		CPUPercent:  stats.CPUPercent,
		Status:      info.State,
	}, nil
}

func (r *DockerRuntime) IsRunning(ctx context.Context, handle string) (bool, error) {
	info, err := r.client.GetContainerInfo(ctx, handle)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return info.State == "running", nil
}

// CleanupOrphans removes all containers carrying this service's managed
// label, regardless of state.
func (r *DockerRuntime) CleanupOrphans(ctx context.Context) (int, error) {
	containers, err := r.client.ListContainers(ctx, map[string]string{LabelManaged: ManagedValue})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, ctr := range containers {
		if err := r.client.RemoveContainer(ctx, ctr.ID, true); err != nil {
			if client.IsErrNotFound(err) {
				continue
			}
			r.logger.Warn("Failed to remove orphaned sandbox",
				zap.String("handle", ctr.ID),
				zap.Error(err),
			)
			continue
		}
		removed++
	}
	return removed, nil
}

// The working directory is bind-mounted, so the mirror already is the
// sandbox filesystem.
func (r *DockerRuntime) WriteFile(ctx context.Context, handle, path, content string) error {
	return nil
}

func (r *DockerRuntime) RemoveFile(ctx context.Context, handle, path string) error {
	return nil
}

func (r *DockerRuntime) MakeDir(ctx context.Context, handle, path string) error {
	return nil
}

func (r *DockerRuntime) Close() error {
	return r.client.Close()
}

func containerName(key string) string {
	sanitized := strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			return c
		default:
			return '-'
		}
	}, key)
	return fmt.Sprintf("codebench-%s-%s", sanitized, uuid.New().String()[:8])
}
