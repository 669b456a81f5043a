package wire

// CommandType discriminates outbound frames.
type CommandType string

const (
	// CommandSubscribeWorkflow requests fidelity events for one workflow.
	CommandSubscribeWorkflow CommandType = "subscribe_workflow"
	// CommandUnsubscribeWorkflow cancels a workflow subscription.
	CommandUnsubscribeWorkflow CommandType = "unsubscribe_workflow"
	// CommandGetPerformanceMetrics requests a performance_metrics reply.
	CommandGetPerformanceMetrics CommandType = "get_performance_metrics"
	// CommandGetFidelityStatus requests a fidelity_status reply.
	CommandGetFidelityStatus CommandType = "get_fidelity_status"
)

// String returns the string representation of the command type.
func (t CommandType) String() string {
	return string(t)
}

// Command is an outbound request to the governance backend. Commands are
// fire-and-forget: the backend answers with events, never with replies
// correlated to the command.
type Command struct {
	Type       CommandType `json:"type"`
	WorkflowID string      `json:"workflow_id,omitempty"`
}

// SubscribeWorkflow builds the subscription request for a workflow.
func SubscribeWorkflow(workflowID string) Command {
	return Command{Type: CommandSubscribeWorkflow, WorkflowID: workflowID}
}

// UnsubscribeWorkflow builds the unsubscription request for a workflow.
func UnsubscribeWorkflow(workflowID string) Command {
	return Command{Type: CommandUnsubscribeWorkflow, WorkflowID: workflowID}
}

// GetPerformanceMetrics builds the performance snapshot request.
func GetPerformanceMetrics() Command {
	return Command{Type: CommandGetPerformanceMetrics}
}

// GetFidelityStatus builds the fidelity snapshot request.
func GetFidelityStatus() Command {
	return Command{Type: CommandGetFidelityStatus}
}
