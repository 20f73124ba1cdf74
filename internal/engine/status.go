package engine

import (
	"fmt"
	"strings"

	"featurepilot/internal/domain"
)

// MapAgentStatus converts a status reported by the agent service into a run
// status. An orchestrator that finished its turn is waiting for the user, not
// done. Unknown values are treated as still running.
func MapAgentStatus(raw string, agentType domain.AgentType) domain.RunStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CREATING":
		return domain.RunCreating
	case "PENDING", "QUEUED":
		return domain.RunQueued
	case "RUNNING", "IN_PROGRESS":
		return domain.RunRunning
	case "WAITING_FOR_USER":
		return domain.RunWaitingForUser
	case "FINISHED", "COMPLETED", "SUCCEEDED":
		if agentType == domain.AgentOrchestrator {
			return domain.RunWaitingForUser
		}
		return domain.RunCompleted
	case "ERROR", "FAILED", "EXPIRED", "CANCELLED", "CANCELED":
		return domain.RunFailed
	default:
		return domain.RunRunning
	}
}

// runMayMove reports whether a run may go from one status to another.
// Terminal runs never change.
func runMayMove(from, to domain.RunStatus) bool {
	return to != "" && from != to && !from.Terminal()
}

func ensureTransition(from, to domain.OrchestrationStatus) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidState, from)
	}
	if to == domain.StatusFailed || to == domain.StatusCancelled {
		return nil
	}
	switch from {
	case domain.StatusPending:
		if to == domain.StatusCollectingRequirements {
			return nil
		}
	case domain.StatusCollectingRequirements, domain.StatusPlanning:
		if to == domain.StatusAwaitingUser || to == domain.StatusAwaitingApproval {
			return nil
		}
	case domain.StatusAwaitingUser:
		if to == domain.StatusPlanning {
			return nil
		}
	case domain.StatusAwaitingApproval:
		if to == domain.StatusApproved {
			return nil
		}
	case domain.StatusApproved:
		if to == domain.StatusExecuting {
			return nil
		}
	case domain.StatusExecuting:
		if to == domain.StatusCompleted {
			return nil
		}
	}
	return fmt.Errorf("%w: transition %s -> %s", ErrInvalidState, from, to)
}

// planning reports whether the orchestrator agent still owns the orchestration.
func planning(s domain.OrchestrationStatus) bool {
	switch s {
	case domain.StatusPending, domain.StatusCollectingRequirements, domain.StatusAwaitingUser,
		domain.StatusPlanning, domain.StatusAwaitingApproval:
		return true
	}
	return false
}
