package runtime

import (
	"fmt"

	"github.com/codebench/codebench/internal/common/config"
	"github.com/codebench/codebench/internal/common/logger"
)

// New constructs the runtime backend selected by sandbox.runtime.
func New(cfg *config.Config, log *logger.Logger) (Runtime, error) {
	switch cfg.Sandbox.Runtime {
	case "docker":
		return NewDockerRuntime(cfg.Docker, cfg.Sandbox, log)
	case "kubernetes":
		return NewKubeRuntime(cfg.Kubernetes, cfg.Sandbox, log)
	default:
		return nil, fmt.Errorf("unknown sandbox runtime: %s", cfg.Sandbox.Runtime)
	}
}
