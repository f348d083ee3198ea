// Package runtime manages per-bot execution environments.
//
// Each installed bot owns a directory under the manager's base dir
// holding its FSM code, the wrapper entry point, a requirements file,
// and an isolated virtualenv. Turn execution shells out to the venv
// interpreter and reads a line-oriented JSON protocol from stdout.
//
// Install is idempotent by wholesale replacement: reinstalling a bot
// tears the old environment down and builds it again from scratch.
package runtime

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fluxbot-cluster/fluxbot/envelope"
	"github.com/fluxbot-cluster/fluxbot/store"
)

//go:embed fsm_wrapper.py
var wrapperSource string

const (
	botCodeFile      = "bot.py"
	wrapperFile      = "fsm_wrapper.py"
	requirementsFile = "requirements.txt"
)

// platformRequirements are installed into every bot environment ahead
// of the bot's own requirements.
var platformRequirements = []string{"openai", "cryptography"}

// Manager installs, removes, and invokes bot environments.
type Manager struct {
	baseDir       string
	invokeTimeout time.Duration
	provisioner   Provisioner
	logger        *zap.Logger

	// Serializes install/delete so a reinstall never races a teardown.
	mu sync.Mutex
}

// NewManager creates a new Manager. invokeTimeout bounds every FSM
// subprocess run and must be positive.
func NewManager(baseDir string, invokeTimeout time.Duration, provisioner Provisioner, logger *zap.Logger) (*Manager, error) {
	if invokeTimeout <= 0 {
		return nil, fmt.Errorf("invoke timeout must be positive, got %s", invokeTimeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	return &Manager{
		baseDir:       baseDir,
		invokeTimeout: invokeTimeout,
		provisioner:   provisioner,
		logger:        logger,
	}, nil
}

// =============================================================================
// INSTALL / DELETE
// =============================================================================

// Install builds the execution environment for a bot. Any existing
// environment for the same bot is replaced. On failure the partial
// environment is discarded and an InstallError is returned.
func (m *Manager) Install(ctx context.Context, bot *store.Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	envDir := m.envDir(bot.ID)
	if err := os.RemoveAll(envDir); err != nil {
		return NewInstallError(bot.ID, "remove previous environment", err)
	}
	if err := os.MkdirAll(envDir, 0o755); err != nil {
		return NewInstallError(bot.ID, "create environment dir", err)
	}

	fail := func(stage string, err error) error {
		_ = os.RemoveAll(envDir)
		return NewInstallError(bot.ID, stage, err)
	}

	if err := os.WriteFile(filepath.Join(envDir, botCodeFile), []byte(bot.FSMCode), 0o644); err != nil {
		return fail("write bot code", err)
	}
	if err := os.WriteFile(filepath.Join(envDir, wrapperFile), []byte(wrapperSource), 0o644); err != nil {
		return fail("write wrapper", err)
	}
	reqPath := filepath.Join(envDir, requirementsFile)
	if err := os.WriteFile(reqPath, []byte(mergeRequirements(bot.RequirementsTxt)), 0o644); err != nil {
		return fail("write requirements", err)
	}

	if err := m.provisioner.Provision(ctx, envDir, reqPath, bot.IndexURLs); err != nil {
		return fail("provision", err)
	}

	m.logger.Info("bot environment installed",
		zap.String("bot_id", bot.ID),
		zap.String("bot_name", bot.Name))
	return nil
}

// Delete removes a bot's environment. Deleting a bot that was never
// installed is a no-op.
func (m *Manager) Delete(botID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.RemoveAll(m.envDir(botID)); err != nil {
		return fmt.Errorf("delete bot %s environment: %w", botID, err)
	}
	m.logger.Info("bot environment deleted", zap.String("bot_id", botID))
	return nil
}

// Installed reports whether a bot has an environment on disk.
func (m *Manager) Installed(botID string) bool {
	_, err := os.Stat(filepath.Join(m.envDir(botID), wrapperFile))
	return err == nil
}

// =============================================================================
// INVOCATION
// =============================================================================

// InvokeRequest carries one FSM turn into a bot subprocess.
// Credentials must already be decrypted.
type InvokeRequest struct {
	BotID       string
	BotName     string
	Input       envelope.FSMInput
	State       json.RawMessage
	Credentials map[string]string
	ConfigEnv   map[string]string
}

// InvokeResult is the ordered outcome of one FSM turn.
// NewState is nil when the subprocess emitted no state line; callers
// keep the previous session state in that case.
type InvokeResult struct {
	Outputs  []envelope.FSMOutput
	NewState json.RawMessage
}

// invokeArg is the single JSON argument handed to the wrapper.
type invokeArg struct {
	FSMInput    envelope.FSMInput `json:"fsm_input"`
	State       json.RawMessage   `json:"state,omitempty"`
	BotName     string            `json:"bot_name"`
	Credentials map[string]string `json:"credentials"`
	ConfigEnv   map[string]string `json:"config_env"`
}

// stdout line protocol: exactly one of the two fields per line.
type protocolLine struct {
	FSMOutput *envelope.FSMOutput `json:"fsm_output"`
	NewState  json.RawMessage     `json:"new_state"`
}

// Invoke runs one FSM turn in the bot's environment.
//
// Outputs are collected in emission order. A subprocess failure after
// at least one output was emitted does not discard those outputs; the
// partial result is returned and the failure is logged, but any state
// line the crashed process emitted is dropped so a failed turn never
// updates session state. A failure before any output becomes an
// InvocationError.
func (m *Manager) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	if !m.Installed(req.BotID) {
		return nil, NewNotInstalledError(req.BotID)
	}
	if err := req.Input.Validate(); err != nil {
		return nil, err
	}

	arg, err := json.Marshal(invokeArg{
		FSMInput:    req.Input,
		State:       req.State,
		BotName:     req.BotName,
		Credentials: req.Credentials,
		ConfigEnv:   req.ConfigEnv,
	})
	if err != nil {
		return nil, NewInvocationError(req.BotID, "", fmt.Errorf("marshal argument: %w", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, m.invokeTimeout)
	defer cancel()

	envDir := m.envDir(req.BotID)
	python := filepath.Join(envDir, ".venv", "bin", "python")
	cmd := exec.CommandContext(runCtx, python, filepath.Join(envDir, wrapperFile), string(arg))
	cmd.Dir = envDir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, NewInvocationError(req.BotID, "", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, NewInvocationError(req.BotID, "", err)
	}

	result := &InvokeResult{}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var line protocolLine
		if err := json.Unmarshal(raw, &line); err != nil {
			m.logger.Warn("skipping malformed protocol line",
				zap.String("bot_id", req.BotID),
				zap.Error(err))
			continue
		}
		switch {
		case line.FSMOutput != nil:
			result.Outputs = append(result.Outputs, *line.FSMOutput)
		case len(line.NewState) > 0 && string(line.NewState) != "null":
			result.NewState = line.NewState
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	if stderr.Len() > 0 {
		m.logger.Warn("bot subprocess stderr",
			zap.String("bot_id", req.BotID),
			zap.String("stderr", strings.TrimSpace(stderr.String())))
	}

	if err := firstError(scanErr, waitErr); err != nil {
		if len(result.Outputs) == 0 {
			return nil, NewInvocationError(req.BotID, strings.TrimSpace(stderr.String()), err)
		}
		m.logger.Warn("bot subprocess failed after emitting output, keeping partial result",
			zap.String("bot_id", req.BotID),
			zap.Int("outputs", len(result.Outputs)),
			zap.Error(err))
		result.NewState = nil
	}
	return result, nil
}

func (m *Manager) envDir(botID string) string {
	return filepath.Join(m.baseDir, botID)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// mergeRequirements unions the platform requirements with the bot's
// own, platform lines first, duplicates removed.
func mergeRequirements(requirementsTxt string) string {
	seen := make(map[string]struct{})
	var lines []string
	add := func(line string) {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			return
		}
		if _, dup := seen[trimmed]; dup {
			return
		}
		seen[trimmed] = struct{}{}
		lines = append(lines, trimmed)
	}
	for _, r := range platformRequirements {
		add(r)
	}
	for _, r := range strings.Split(requirementsTxt, "\n") {
		add(r)
	}
	return strings.Join(lines, "\n") + "\n"
}
