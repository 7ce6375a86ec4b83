package types

// SandboxStatus is the project's view of its sandbox. It extends the states
// the provider reports with the setup phases that only this service knows
// about.
type SandboxStatus string

const (
	SandboxStatusNone                   SandboxStatus = "none"
	SandboxStatusCreating               SandboxStatus = "creating"
	SandboxStatusCreated                SandboxStatus = "created"
	SandboxStatusSettingUpRuntime       SandboxStatus = "setting_up_runtime"
	SandboxStatusInstallingTooling      SandboxStatus = "installing_tooling"
	SandboxStatusConfiguringEditor      SandboxStatus = "configuring_editor"
	SandboxStatusInstallingDependencies SandboxStatus = "installing_dependencies"
	SandboxStatusOptimizing             SandboxStatus = "optimizing"
	SandboxStatusStartingServer         SandboxStatus = "starting_server"
	SandboxStatusFinalizing             SandboxStatus = "finalizing"
	SandboxStatusStarted                SandboxStatus = "started"
	SandboxStatusFailed                 SandboxStatus = "failed"
	SandboxStatusStopped                SandboxStatus = "stopped"
)

// provisioningChain is the linear order a successful provisioning run walks.
var provisioningChain = []SandboxStatus{
	SandboxStatusCreating,
	SandboxStatusCreated,
	SandboxStatusSettingUpRuntime,
	SandboxStatusInstallingTooling,
	SandboxStatusConfiguringEditor,
	SandboxStatusInstallingDependencies,
	SandboxStatusOptimizing,
	SandboxStatusStartingServer,
	SandboxStatusFinalizing,
	SandboxStatusStarted,
}

// ProvisioningChain returns a copy of the status sequence observed by a
// provisioning run that reaches started.
func ProvisioningChain() []SandboxStatus {
	out := make([]SandboxStatus, len(provisioningChain))
	copy(out, provisioningChain)
	return out
}

// SetupPhases returns the statuses between created and started.
func SetupPhases() []SandboxStatus {
	return ProvisioningChain()[2 : len(provisioningChain)-1]
}

// IsValid checks if the status value is valid
func (s SandboxStatus) IsValid() bool {
	switch s {
	case SandboxStatusNone, SandboxStatusFailed, SandboxStatusStopped:
		return true
	}
	return s.chainIndex() >= 0
}

// IsTerminal reports whether a provisioning run ends in this status.
func (s SandboxStatus) IsTerminal() bool {
	return s == SandboxStatusStarted || s == SandboxStatusFailed
}

// IsProvisioning reports whether a provisioning run is still in flight.
func (s SandboxStatus) IsProvisioning() bool {
	return s.chainIndex() >= 0 && s != SandboxStatusStarted
}

// Next returns the status that follows s in the provisioning chain.
// The second return value is false for statuses outside the chain and for started.
func (s SandboxStatus) Next() (SandboxStatus, bool) {
	i := s.chainIndex()
	if i < 0 || i == len(provisioningChain)-1 {
		return "", false
	}
	return provisioningChain[i+1], true
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Failed is reachable from any provisioning status; stopped only from
// statuses with a sandbox behind them.
func (s SandboxStatus) CanTransitionTo(next SandboxStatus) bool {
	switch next {
	case SandboxStatusFailed:
		return s.IsProvisioning()
	case SandboxStatusStopped:
		return s == SandboxStatusStarted || s == SandboxStatusStopped || s == SandboxStatusFailed
	case SandboxStatusCreating:
		return s == SandboxStatusNone || s == SandboxStatusFailed || s == SandboxStatusStopped
	case SandboxStatusStarted:
		if s == SandboxStatusStopped || s == SandboxStatusStarted || s == SandboxStatusFailed {
			return true
		}
	}
	n, ok := s.Next()
	return ok && n == next
}

func (s SandboxStatus) chainIndex() int {
	for i, st := range provisioningChain {
		if st == s {
			return i
		}
	}
	return -1
}

// ProviderState is the state the sandbox provider reports for a sandbox.
type ProviderState string

const (
	ProviderStateCreating ProviderState = "creating"
	ProviderStateStarted  ProviderState = "started"
	ProviderStateStopped  ProviderState = "stopped"
	ProviderStateError    ProviderState = "error"
	ProviderStateNotFound ProviderState = "not_found"
)
