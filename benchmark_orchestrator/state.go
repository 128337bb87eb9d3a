package benchmarkorchestrator

// State is the lifecycle state of one job's instance.
type State string

const (
	StateCreating   State = "Creating"
	StateBooting    State = "Booting"
	StateConnecting State = "Connecting"
	StateExecuting  State = "Executing"
	StateCollecting State = "Collecting"
	StateTerminated State = "Terminated"
)

func (s State) IsTerminal() bool {
	return s == StateTerminated
}
