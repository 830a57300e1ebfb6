// ABOUTME: AssignedLocation model and its status lifecycle
// ABOUTME: Validates status values and transitions, stamping arrival and completion times
package models

import (
	"fmt"
	"time"
)

// AssignmentStatus is the lifecycle state of an assigned location.
type AssignmentStatus string

// Assignment statuses.
const (
	StatusAssigned  AssignmentStatus = "assigned"
	StatusEnRoute   AssignmentStatus = "en_route"
	StatusArrived   AssignmentStatus = "arrived"
	StatusCompleted AssignmentStatus = "completed"
	StatusCancelled AssignmentStatus = "cancelled"
)

var allowedTransitions = map[AssignmentStatus][]AssignmentStatus{
	StatusAssigned: {StatusEnRoute, StatusArrived, StatusCancelled},
	StatusEnRoute:  {StatusArrived, StatusAssigned, StatusCancelled},
	StatusArrived:  {StatusCompleted, StatusCancelled},
}

// Valid reports whether s is a known status.
func (s AssignmentStatus) Valid() bool {
	switch s {
	case StatusAssigned, StatusEnRoute, StatusArrived, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s AssignmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ParseAssignmentStatus converts a raw string into a status.
func ParseAssignmentStatus(raw string) (AssignmentStatus, error) {
	s := AssignmentStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("invalid assignment status: %s", raw)
	}
	return s, nil
}

// CanTransition reports whether from -> to is allowed. Same-status moves are accepted.
func CanTransition(from, to AssignmentStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AssignedLocation is a location an operation lead assigned to a member.
type AssignedLocation struct {
	ID               string           `json:"id"`
	OperationID      OperationID      `json:"operation_id"`
	AssignedToUserID string           `json:"assigned_to_user_id"`
	Coordinate       Coordinate       `json:"coordinate"`
	Label            string           `json:"label,omitempty"`
	Notes            string           `json:"notes,omitempty"`
	Status           AssignmentStatus `json:"status"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	ArrivedAt        *time.Time       `json:"arrived_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

// TransitionStatus validates and applies a status change.
func (a *AssignedLocation) TransitionStatus(next AssignmentStatus, now time.Time) error {
	if !next.Valid() {
		return fmt.Errorf("invalid assignment status: %s", next)
	}
	if !CanTransition(a.Status, next) {
		return fmt.Errorf("cannot move assignment %s from %s to %s", a.ID, a.Status, next)
	}
	if a.Status == next {
		return nil
	}

	a.Status = next
	a.UpdatedAt = now
	switch next {
	case StatusArrived:
		t := now
		a.ArrivedAt = &t
	case StatusCompleted:
		t := now
		a.CompletedAt = &t
	case StatusAssigned, StatusEnRoute:
		a.ArrivedAt = nil
	}
	return nil
}

func (a AssignedLocation) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: assignment missing id", ErrInvalidRecord)
	}
	if a.OperationID.IsZero() {
		return fmt.Errorf("%w: assignment missing operation_id", ErrInvalidRecord)
	}
	if a.AssignedToUserID == "" {
		return fmt.Errorf("%w: assignment missing assigned_to_user_id", ErrInvalidRecord)
	}
	if !a.Status.Valid() {
		return fmt.Errorf("%w: assignment has invalid status %q", ErrInvalidRecord, a.Status)
	}
	if !a.Coordinate.Valid() {
		return fmt.Errorf("%w: assignment coordinate out of range", ErrInvalidRecord)
	}
	return nil
}
