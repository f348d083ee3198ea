package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fluxbot-cluster/fluxbot/envelope"
	"github.com/fluxbot-cluster/fluxbot/store"
)

// scriptProvisioner stands in for venv provisioning: instead of a real
// interpreter it drops a shell script at the venv python path.
type scriptProvisioner struct {
	script    string
	fail      bool
	indexURLs []string
}

func (p *scriptProvisioner) Provision(ctx context.Context, envDir, requirementsPath string, indexURLs []string) error {
	if p.fail {
		return errors.New("pip install failed")
	}
	p.indexURLs = indexURLs
	bin := filepath.Join(envDir, ".venv", "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(bin, "python"), []byte(p.script), 0o755)
}

const happyScript = `#!/bin/sh
printf '%s\n' '{"fsm_output":{"intent":"SEND_MESSAGE","message":{"message_type":"text","text":{"body":"first"}}}}'
printf '%s\n' '{"fsm_output":{"intent":"SEND_MESSAGE","message":{"message_type":"text","text":{"body":"second"}}}}'
printf '%s\n' '{"new_state":{"variables":{"count":2}}}'
`

// Writes the wrapper's JSON argument next to the environment for
// inspection. $0 is <envDir>/.venv/bin/python.
const argRecordingScript = `#!/bin/sh
printf '%s' "$2" > "$(dirname "$0")/../../arg.json"
printf '%s\n' '{"new_state":{}}'
`

const partialFailureScript = `#!/bin/sh
printf '%s\n' '{"fsm_output":{"intent":"SEND_MESSAGE","message":{"message_type":"text","text":{"body":"partial"}}}}'
echo "bot blew up mid-turn" >&2
exit 1
`

const crashAfterStateScript = `#!/bin/sh
printf '%s\n' '{"fsm_output":{"intent":"SEND_MESSAGE","message":{"message_type":"text","text":{"body":"partial"}}}}'
printf '%s\n' '{"new_state":{"variables":{"count":9}}}'
echo "bot blew up after state" >&2
exit 1
`

const failingScript = `#!/bin/sh
echo "import error: no module named openai" >&2
exit 3
`

const sleepingScript = `#!/bin/sh
sleep 5
`

const noisyScript = `#!/bin/sh
printf '%s\n' 'not json at all'
printf '%s\n' '{"fsm_output":{"intent":"SEND_MESSAGE"}}'
printf '%s\n' '{"fsm_output":{"intent":"SEND_MESSAGE","message":{"message_type":"text","text":{"body":"kept"}}}}'
`

func testBot() *store.Bot {
	return &store.Bot{
		ID:              "bot-1",
		Name:            "quiz",
		FSMCode:         "def build_fsm(**kwargs):\n    raise NotImplementedError\n",
		RequirementsTxt: "openai\nrequests==2.31.0\n",
		IndexURLs:       []string{"https://pypi.internal/simple"},
	}
}

func newTestManager(t *testing.T, script string, timeout time.Duration) (*Manager, *scriptProvisioner) {
	t.Helper()
	prov := &scriptProvisioner{script: script}
	m, err := NewManager(t.TempDir(), timeout, prov, zap.NewNop())
	require.NoError(t, err)
	return m, prov
}

// =============================================================================
// INSTALL / DELETE
// =============================================================================

func TestInstallWritesEnvironment(t *testing.T) {
	m, prov := newTestManager(t, happyScript, time.Second)
	bot := testBot()
	require.NoError(t, m.Install(context.Background(), bot))
	require.True(t, m.Installed(bot.ID))

	envDir := m.envDir(bot.ID)
	code, err := os.ReadFile(filepath.Join(envDir, botCodeFile))
	require.NoError(t, err)
	assert.Equal(t, bot.FSMCode, string(code))

	wrapper, err := os.ReadFile(filepath.Join(envDir, wrapperFile))
	require.NoError(t, err)
	assert.Equal(t, wrapperSource, string(wrapper))

	// Platform requirements come first; duplicates collapse.
	reqs, err := os.ReadFile(filepath.Join(envDir, requirementsFile))
	require.NoError(t, err)
	assert.Equal(t, "openai\ncryptography\nrequests==2.31.0\n", string(reqs))

	assert.Equal(t, bot.IndexURLs, prov.indexURLs)
}

func TestInstallReplacesPreviousEnvironment(t *testing.T) {
	m, _ := newTestManager(t, happyScript, time.Second)
	bot := testBot()
	require.NoError(t, m.Install(context.Background(), bot))

	stale := filepath.Join(m.envDir(bot.ID), "stale.txt")
	require.NoError(t, os.WriteFile(stale, []byte("left over"), 0o644))

	bot.FSMCode = "def build_fsm(**kwargs):\n    return None\n"
	require.NoError(t, m.Install(context.Background(), bot))

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))

	code, err := os.ReadFile(filepath.Join(m.envDir(bot.ID), botCodeFile))
	require.NoError(t, err)
	assert.Equal(t, bot.FSMCode, string(code))
}

func TestInstallFailureDiscardsEnvironment(t *testing.T) {
	m, prov := newTestManager(t, happyScript, time.Second)
	prov.fail = true

	err := m.Install(context.Background(), testBot())
	var installErr *InstallError
	require.ErrorAs(t, err, &installErr)
	assert.Equal(t, "provision", installErr.Stage)
	assert.False(t, m.Installed("bot-1"))
}

func TestDeleteIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t, happyScript, time.Second)
	require.NoError(t, m.Install(context.Background(), testBot()))

	require.NoError(t, m.Delete("bot-1"))
	assert.False(t, m.Installed("bot-1"))

	// Deleting an absent environment is a no-op.
	assert.NoError(t, m.Delete("bot-1"))
	assert.NoError(t, m.Delete("never-installed"))
}

// =============================================================================
// INVOCATION
// =============================================================================

func invokeRequest() InvokeRequest {
	return InvokeRequest{
		BotID:       "bot-1",
		BotName:     "quiz",
		Input:       envelope.NewUserFSMInput("hello"),
		State:       json.RawMessage(`{"variables":{"count":1}}`),
		Credentials: map[string]string{"OPENAI_API_KEY": "sk-test"},
		ConfigEnv:   map[string]string{"MODE": "prod"},
	}
}

func TestInvokeCollectsOutputsInOrder(t *testing.T) {
	m, _ := newTestManager(t, happyScript, time.Second)
	require.NoError(t, m.Install(context.Background(), testBot()))

	result, err := m.Invoke(context.Background(), invokeRequest())
	require.NoError(t, err)
	require.Len(t, result.Outputs, 2)
	assert.Equal(t, "first", result.Outputs[0].Message.Text.Body)
	assert.Equal(t, "second", result.Outputs[1].Message.Text.Body)
	assert.JSONEq(t, `{"variables":{"count":2}}`, string(result.NewState))
}

func TestInvokePassesArgumentToWrapper(t *testing.T) {
	m, _ := newTestManager(t, argRecordingScript, time.Second)
	require.NoError(t, m.Install(context.Background(), testBot()))

	_, err := m.Invoke(context.Background(), invokeRequest())
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(m.envDir("bot-1"), "arg.json"))
	require.NoError(t, err)

	var arg struct {
		FSMInput    envelope.FSMInput `json:"fsm_input"`
		State       json.RawMessage   `json:"state"`
		BotName     string            `json:"bot_name"`
		Credentials map[string]string `json:"credentials"`
		ConfigEnv   map[string]string `json:"config_env"`
	}
	require.NoError(t, json.Unmarshal(raw, &arg))
	require.NotNil(t, arg.FSMInput.UserInput)
	assert.Equal(t, "hello", *arg.FSMInput.UserInput)
	assert.JSONEq(t, `{"variables":{"count":1}}`, string(arg.State))
	assert.Equal(t, "quiz", arg.BotName)
	assert.Equal(t, "sk-test", arg.Credentials["OPENAI_API_KEY"])
	assert.Equal(t, "prod", arg.ConfigEnv["MODE"])
}

func TestInvokeKeepsPartialOutputsOnFailure(t *testing.T) {
	m, _ := newTestManager(t, partialFailureScript, time.Second)
	require.NoError(t, m.Install(context.Background(), testBot()))

	result, err := m.Invoke(context.Background(), invokeRequest())
	require.NoError(t, err)
	require.Len(t, result.Outputs, 1)
	assert.Equal(t, "partial", result.Outputs[0].Message.Text.Body)
	assert.Nil(t, result.NewState)
}

func TestInvokeFailureDropsEmittedState(t *testing.T) {
	m, _ := newTestManager(t, crashAfterStateScript, time.Second)
	require.NoError(t, m.Install(context.Background(), testBot()))

	// The crashed process already printed a state line; the outputs
	// survive but the state must not.
	result, err := m.Invoke(context.Background(), invokeRequest())
	require.NoError(t, err)
	require.Len(t, result.Outputs, 1)
	assert.Nil(t, result.NewState)
}

func TestInvokeFailureWithoutOutputIsError(t *testing.T) {
	m, _ := newTestManager(t, failingScript, time.Second)
	require.NoError(t, m.Install(context.Background(), testBot()))

	_, err := m.Invoke(context.Background(), invokeRequest())
	var invErr *InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Contains(t, invErr.Stderr, "no module named openai")
}

func TestInvokeTimesOut(t *testing.T) {
	m, _ := newTestManager(t, sleepingScript, 100*time.Millisecond)
	require.NoError(t, m.Install(context.Background(), testBot()))

	start := time.Now()
	_, err := m.Invoke(context.Background(), invokeRequest())
	var invErr *InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestInvokeUninstalledBot(t *testing.T) {
	m, _ := newTestManager(t, happyScript, time.Second)

	_, err := m.Invoke(context.Background(), invokeRequest())
	var notInstalled *NotInstalledError
	require.ErrorAs(t, err, &notInstalled)
}

func TestInvokeRejectsInvalidInput(t *testing.T) {
	m, _ := newTestManager(t, happyScript, time.Second)
	require.NoError(t, m.Install(context.Background(), testBot()))

	req := invokeRequest()
	req.Input = envelope.FSMInput{}
	_, err := m.Invoke(context.Background(), req)
	var valErr *envelope.ValidationError
	require.ErrorAs(t, err, &valErr)
}

func TestInvokeSkipsMalformedProtocolLines(t *testing.T) {
	m, _ := newTestManager(t, noisyScript, time.Second)
	require.NoError(t, m.Install(context.Background(), testBot()))

	result, err := m.Invoke(context.Background(), invokeRequest())
	require.NoError(t, err)
	require.Len(t, result.Outputs, 1)
	assert.Equal(t, "kept", result.Outputs[0].Message.Text.Body)
}
