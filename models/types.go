// ABOUTME: Data models for field operation resources
// ABOUTME: Defines operations, member locations, targets, staging points, members and chat messages
package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRecord is returned by Validate when a record is missing required fields.
var ErrInvalidRecord = errors.New("invalid record")

// OperationID identifies a field operation. The zero value means no operation.
type OperationID string

// IsZero reports whether the id is empty.
func (id OperationID) IsZero() bool {
	return id == ""
}

func (id OperationID) String() string {
	return string(id)
}

type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the coordinate is within WGS84 bounds.
func (c Coordinate) Valid() bool {
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// LocationPoint is a single position fix reported by a team member.
type LocationPoint struct {
	UserID      string      `json:"user_id"`
	OperationID OperationID `json:"operation_id"`
	Timestamp   time.Time   `json:"timestamp"`
	Latitude    float64     `json:"latitude"`
	Longitude   float64     `json:"longitude"`
	Accuracy    float64     `json:"accuracy"`
	Speed       *float64    `json:"speed,omitempty"`
	Heading     *float64    `json:"heading,omitempty"`
}

// Coordinate returns the point's position.
func (p LocationPoint) Coordinate() Coordinate {
	return Coordinate{Latitude: p.Latitude, Longitude: p.Longitude}
}

func (p LocationPoint) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: location missing user_id", ErrInvalidRecord)
	}
	if p.OperationID.IsZero() {
		return fmt.Errorf("%w: location missing operation_id", ErrInvalidRecord)
	}
	if p.Timestamp.IsZero() {
		return fmt.Errorf("%w: location missing timestamp", ErrInvalidRecord)
	}
	if !p.Coordinate().Valid() {
		return fmt.Errorf("%w: location coordinate out of range", ErrInvalidRecord)
	}
	return nil
}

// MemberLocation is the latest known position of one member of an operation.
type MemberLocation struct {
	UserID         string         `json:"user_id"`
	LastLocation   *LocationPoint `json:"last_location,omitempty"`
	IsActive       bool           `json:"is_active"`
	LastUpdateTime time.Time      `json:"last_update_time"`
}

// NewMemberLocation wraps a freshly received point. Receipt marks the member active.
func NewMemberLocation(point LocationPoint, receivedAt time.Time) MemberLocation {
	p := point
	return MemberLocation{
		UserID:         point.UserID,
		LastLocation:   &p,
		IsActive:       true,
		LastUpdateTime: receivedAt,
	}
}

// NewerOf keeps whichever member location carries the later fix. Ties go to next.
func NewerOf(current, next MemberLocation) MemberLocation {
	if current.LastLocation == nil || next.LastLocation == nil {
		return next
	}
	if next.LastLocation.Timestamp.Before(current.LastLocation.Timestamp) {
		// out of order fix; still counts as a sign of life
		current.IsActive = true
		if next.LastUpdateTime.After(current.LastUpdateTime) {
			current.LastUpdateTime = next.LastUpdateTime
		}
		return current
	}
	return next
}

// Target is a point of interest within an operation.
type Target struct {
	ID          string      `json:"id"`
	OperationID OperationID `json:"operation_id"`
	Name        string      `json:"name"`
	Coordinate  Coordinate  `json:"coordinate"`
	Notes       string      `json:"notes,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// StagingPoint is a rally or staging area within an operation.
type StagingPoint struct {
	ID          string      `json:"id"`
	OperationID OperationID `json:"operation_id"`
	Name        string      `json:"name"`
	Coordinate  Coordinate  `json:"coordinate"`
	Notes       string      `json:"notes,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// MemberSummary describes a user taking part in an operation.
type MemberSummary struct {
	UserID      string      `json:"user_id"`
	OperationID OperationID `json:"operation_id"`
	DisplayName string      `json:"display_name"`
	Role        string      `json:"role,omitempty"`
	CallSign    string      `json:"call_sign,omitempty"`
}

// ChatMessage is an append-only message posted to an operation.
type ChatMessage struct {
	ID                string      `json:"id"`
	OperationID       OperationID `json:"operation_id"`
	SenderUserID      string      `json:"sender_user_id"`
	Body              string      `json:"body"`
	CreatedAt         time.Time   `json:"created_at"`
	MediaURL          string      `json:"media_url,omitempty"`
	SenderDisplayName string      `json:"sender_display_name,omitempty"`
}

func (m ChatMessage) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: message missing id", ErrInvalidRecord)
	}
	if m.OperationID.IsZero() {
		return fmt.Errorf("%w: message missing operation_id", ErrInvalidRecord)
	}
	if m.SenderUserID == "" {
		return fmt.Errorf("%w: message missing sender_user_id", ErrInvalidRecord)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("%w: message missing created_at", ErrInvalidRecord)
	}
	return nil
}
