package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"
)

// Provisioner builds the interpreter environment for one bot directory.
// Abstracted so tests can stub provisioning without a Python toolchain.
type Provisioner interface {
	// Provision creates the virtualenv under envDir and installs the
	// requirements file, consulting extra package indexes if given.
	Provision(ctx context.Context, envDir, requirementsPath string, indexURLs []string) error
}

// VenvProvisioner provisions environments with python3 -m venv and pip.
type VenvProvisioner struct {
	// PythonBinary overrides the interpreter used to create the venv.
	// Defaults to "python3".
	PythonBinary string

	logger *zap.Logger
}

// NewVenvProvisioner creates a new VenvProvisioner.
func NewVenvProvisioner(logger *zap.Logger) *VenvProvisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VenvProvisioner{PythonBinary: "python3", logger: logger}
}

// Provision implements Provisioner.
func (p *VenvProvisioner) Provision(ctx context.Context, envDir, requirementsPath string, indexURLs []string) error {
	venvDir := filepath.Join(envDir, ".venv")

	if err := p.run(ctx, envDir, p.PythonBinary, "-m", "venv", venvDir); err != nil {
		return fmt.Errorf("create venv: %w", err)
	}

	pip := filepath.Join(venvDir, "bin", "pip")
	args := []string{"install", "-r", requirementsPath}
	for _, u := range indexURLs {
		args = append(args, "--extra-index-url", u)
	}
	if err := p.run(ctx, envDir, pip, args...); err != nil {
		return fmt.Errorf("pip install: %w", err)
	}
	return nil
}

func (p *VenvProvisioner) run(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		p.logger.Error("provision command failed",
			zap.String("command", name),
			zap.String("stderr", stderr.String()),
			zap.Error(err))
		return fmt.Errorf("%s: %w: %s", name, err, stderr.String())
	}
	return nil
}

var _ Provisioner = (*VenvProvisioner)(nil)
