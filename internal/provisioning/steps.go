package provisioning

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/steveyegge/sandboxd/internal/types"
)

// AppDir is the project checkout inside the sandbox, relative to the
// sandbox user's root.
const AppDir = "app"

// Step is one setup phase: the status announced before it runs and the
// shell commands it runs from the sandbox user's root.
type Step struct {
	Status   types.SandboxStatus
	Commands []string

	// Background runs the commands in a detached session instead of
	// waiting for them.
	Background bool

	// WaitForApp polls the application port until it answers.
	WaitForApp bool
}

// DefaultSteps returns the built-in setup sequence. "{port}" in a command
// is replaced with the application port.
func DefaultSteps() []Step {
	return []Step{
		{
			Status: types.SandboxStatusSettingUpRuntime,
			Commands: []string{
				"node --version || (curl -fsSL https://deb.nodesource.com/setup_20.x | sudo -E bash - && sudo apt-get install -y nodejs)",
			},
		},
		{
			Status: types.SandboxStatusInstallingTooling,
			Commands: []string{
				"command -v claude || sudo npm install -g @anthropic-ai/claude-code",
			},
		},
		{
			Status: types.SandboxStatusConfiguringEditor,
			Commands: []string{
				"git config --global user.name sandboxd && git config --global user.email sandboxd@localhost",
				`mkdir -p ~/.claude && test -f ~/.claude.json || echo '{"hasCompletedOnboarding":true}' > ~/.claude.json`,
			},
		},
		{
			Status: types.SandboxStatusInstallingDependencies,
			Commands: []string{
				"test -f " + AppDir + "/package.json || npm create vite@latest " + AppDir + " -- --template react-ts",
				"cd " + AppDir + " && npm install",
			},
		},
		{
			Status: types.SandboxStatusOptimizing,
			Commands: []string{
				"cd " + AppDir + " && (npx vite optimize || true)",
			},
		},
		{
			Status:     types.SandboxStatusStartingServer,
			Commands:   []string{devServerCommand},
			Background: true,
		},
		{
			Status:     types.SandboxStatusFinalizing,
			WaitForApp: true,
		},
	}
}

const devServerCommand = "cd " + AppDir + " && npm run dev -- --host 0.0.0.0 --port {port}"

// ValidateSteps checks that steps announce exactly the setup phases
// between created and started, in chain order.
func ValidateSteps(steps []Step) error {
	prev := types.SandboxStatusCreated
	for i, s := range steps {
		if !prev.CanTransitionTo(s.Status) || !s.Status.IsProvisioning() {
			return fmt.Errorf("step %d: %s cannot follow %s", i, s.Status, prev)
		}
		prev = s.Status
	}
	if next, _ := prev.Next(); next != types.SandboxStatusStarted {
		return fmt.Errorf("setup ends at %s; phases up to %s are missing", prev, types.SandboxStatusFinalizing)
	}
	return nil
}

// applyOverrides replaces the commands of the named phases.
func applyOverrides(steps []Step, overrides map[string][]string) []Step {
	out := make([]Step, len(steps))
	for i, s := range steps {
		if cmds, ok := overrides[string(s.Status)]; ok {
			s.Commands = append([]string(nil), cmds...)
		}
		out[i] = s
	}
	return out
}

func expandPort(cmd string, port int) string {
	return strings.ReplaceAll(cmd, "{port}", strconv.Itoa(port))
}
