// Package authz decides who may approve a sensitive change request.
package authz

import (
	"fmt"

	"github.com/tranvu/hrmledger/internal/employee/directory"
	"github.com/tranvu/hrmledger/internal/sensitive"
)

// DenyReason classifies why an approval was refused.
type DenyReason string

const (
	DenyUnknownApprover  DenyReason = "unknown_approver"
	DenySelfApproval     DenyReason = "self_approval"
	DenyInsufficientRole DenyReason = "insufficient_role"
	DenyNotOutranking    DenyReason = "not_outranking"
)

// Decision is the outcome of an approval check. When denied, Escalation
// suggests who could approve instead, if anyone can.
type Decision struct {
	Allowed    bool
	Reason     DenyReason
	Detail     string
	Escalation *directory.Employee
}

// Engine evaluates approval decisions against the employee directory. The
// decision is pure: same directory, same request, same answer.
type Engine struct {
	dir      directory.Directory
	minLevel int
}

// NewEngine builds an Engine. minLevel is the lowest role level allowed to
// approve sensitive changes.
func NewEngine(dir directory.Directory, minLevel int) (*Engine, error) {
	if dir == nil {
		return nil, fmt.Errorf("directory is required")
	}
	if minLevel <= 0 {
		return nil, fmt.Errorf("minimum approver level must be positive")
	}
	return &Engine{dir: dir, minLevel: minLevel}, nil
}

// Decide reports whether approverID may decide the request.
//
// An approver must exist in the directory, hold a role at or above the
// minimum level, must not decide a request they raised or that targets
// their own profile, and must outrank the requester.
func (e *Engine) Decide(approverID int64, r sensitive.Request) Decision {
	approver, ok := e.dir.Lookup(approverID)
	if !ok {
		return e.denied(r, DenyUnknownApprover, fmt.Sprintf("approver %d not in directory", approverID))
	}

	if approverID == r.RequestedBy || approverID == r.EmployeeID {
		return e.denied(r, DenySelfApproval, "approver is party to the request")
	}

	if approver.Role.Level < e.minLevel {
		return e.denied(r, DenyInsufficientRole,
			fmt.Sprintf("role level %d below required %d", approver.Role.Level, e.minLevel))
	}

	if requester, ok := e.dir.Lookup(r.RequestedBy); ok && approver.Role.Level <= requester.Role.Level {
		return e.denied(r, DenyNotOutranking,
			fmt.Sprintf("approver level %d does not outrank requester level %d",
				approver.Role.Level, requester.Role.Level))
	}

	return Decision{Allowed: true}
}

func (e *Engine) denied(r sensitive.Request, reason DenyReason, detail string) Decision {
	return Decision{
		Reason:     reason,
		Detail:     detail,
		Escalation: e.Escalation(r),
	}
}

// Escalation suggests an employee able to approve the request. The
// requester's management chain is preferred; failing that, the role holder
// at or above the minimum level with the smallest id. Nil when nobody in
// the directory qualifies.
func (e *Engine) Escalation(r sensitive.Request) *directory.Employee {
	if candidate, ok := e.managerChainCandidate(r); ok {
		return &candidate
	}

	for _, candidate := range e.dir.ListByMinLevel(e.minLevel) {
		if e.eligible(candidate, r) {
			c := candidate
			return &c
		}
	}
	return nil
}

// managerChainCandidate walks up from the requester looking for the first
// manager who could approve. The walk is bounded to survive cyclic data.
func (e *Engine) managerChainCandidate(r sensitive.Request) (directory.Employee, bool) {
	requester, ok := e.dir.Lookup(r.RequestedBy)
	if !ok {
		return directory.Employee{}, false
	}

	const maxDepth = 32
	current := requester
	for i := 0; i < maxDepth && current.ManagerID != 0; i++ {
		manager, ok := e.dir.Lookup(current.ManagerID)
		if !ok {
			return directory.Employee{}, false
		}
		if e.eligible(manager, r) {
			return manager, true
		}
		current = manager
	}
	return directory.Employee{}, false
}

func (e *Engine) eligible(candidate directory.Employee, r sensitive.Request) bool {
	if candidate.ID == r.RequestedBy || candidate.ID == r.EmployeeID {
		return false
	}
	if candidate.Role.Level < e.minLevel {
		return false
	}
	if requester, ok := e.dir.Lookup(r.RequestedBy); ok && candidate.Role.Level <= requester.Role.Level {
		return false
	}
	return true
}
