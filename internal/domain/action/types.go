// Package action contains domain types for operation intents.
package action

// Operation classifies what an invocation does to its target resource.
type Operation string

const (
	OperationRead    Operation = "read"
	OperationWrite   Operation = "write"
	OperationExecute Operation = "execute"
	OperationControl Operation = "control"
	OperationManage  Operation = "manage"
	OperationAudit   Operation = "audit"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OperationRead, OperationWrite, OperationExecute,
		OperationControl, OperationManage, OperationAudit:
		return true
	}
	return false
}

// Action is an operation intent constructed per-request.
type Action struct {
	// ResourceID is the target resource.
	ResourceID string
	// Operation classifies the intent.
	Operation Operation
	// Parameters are the invocation arguments (pre-filter).
	Parameters map[string]any
}
