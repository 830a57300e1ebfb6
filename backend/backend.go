// ABOUTME: Read and write collaborator interfaces for the remote field operations backend
// ABOUTME: Fetcher returns full collections per operation, Writer performs RPC-style mutations
package backend

import (
	"context"

	"github.com/harperreed/fieldsync/models"
)

// Fetcher returns the full current state of a resource collection for an operation.
type Fetcher interface {
	FetchAssignments(ctx context.Context, op models.OperationID) ([]models.AssignedLocation, error)
	FetchTargets(ctx context.Context, op models.OperationID) ([]models.Target, error)
	FetchStagingPoints(ctx context.Context, op models.OperationID) ([]models.StagingPoint, error)
	FetchMembers(ctx context.Context, op models.OperationID) ([]models.MemberSummary, error)
	FetchMemberLocations(ctx context.Context, op models.OperationID) ([]models.LocationPoint, error)
	FetchMessages(ctx context.Context, op models.OperationID) ([]models.ChatMessage, error)
}

// NewAssignment carries the fields needed to create an assigned location.
type NewAssignment struct {
	OperationID      models.OperationID
	AssignedToUserID string
	Coordinate       models.Coordinate
	Label            string
	Notes            string
}

// NewMessage carries the fields needed to post a chat message.
type NewMessage struct {
	OperationID       models.OperationID
	SenderUserID      string
	SenderDisplayName string
	Body              string
	MediaURL          string
}

// Writer performs mutations and echoes the resulting record.
type Writer interface {
	CreateAssignment(ctx context.Context, in NewAssignment) (*models.AssignedLocation, error)
	UpdateAssignmentStatus(ctx context.Context, id string, status models.AssignmentStatus) (*models.AssignedLocation, error)
	CancelAssignment(ctx context.Context, id string) (*models.AssignedLocation, error)
	PublishLocation(ctx context.Context, point models.LocationPoint) error
	SendMessage(ctx context.Context, in NewMessage) (*models.ChatMessage, error)
}

// Backend is a complete remote collaborator.
type Backend interface {
	Fetcher
	Writer
}
