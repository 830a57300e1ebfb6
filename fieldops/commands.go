// ABOUTME: Imperative commands and observable accessors exposed to the view layer
// ABOUTME: Writes propagate typed errors; the live stores only change on the loop
package fieldops

import (
	"context"
	"errors"
	"fmt"

	"github.com/harperreed/fieldsync/backend"
	"github.com/harperreed/fieldsync/livesync"
	"github.com/harperreed/fieldsync/models"
)

// AssignOptions carries the optional fields of a new assignment.
type AssignOptions struct {
	Label string
	Notes string
}

func wait(ctx context.Context, s *livesync.Setup) error {
	select {
	case <-s.Done():
		return s.Wait()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenOperation activates op and waits for the three live resources to settle.
// Setup failures are returned joined; the client keeps running either way.
func (c *Client) OpenOperation(ctx context.Context, op models.OperationID) error {
	if op.IsZero() {
		return c.CloseOperation(ctx)
	}
	c.tracker.SetActive(op)
	return c.settle(ctx)
}

// CloseOperation deactivates the current operation and clears the live stores.
func (c *Client) CloseOperation(ctx context.Context) error {
	c.tracker.SetActive("")
	return c.settle(ctx)
}

func (c *Client) settle(ctx context.Context) error {
	err := errors.Join(
		wait(ctx, c.assignments.Pending()),
		wait(ctx, c.locations.Pending()),
		wait(ctx, c.messages.Pending()),
	)
	if err != nil {
		c.logger.Warn("operation setup incomplete", "operation", c.tracker.Current(), "err", err)
	}
	return err
}

// WaitForPrefetch blocks until op's prefetch finishes.
func (c *Client) WaitForPrefetch(ctx context.Context, op models.OperationID) error {
	return c.prefetch.Prefetch(ctx, op).Wait(ctx)
}

func (c *Client) ActiveOperation() models.OperationID {
	return c.tracker.Current()
}

func (c *Client) isActive(op models.OperationID) bool {
	return !op.IsZero() && c.tracker.Current() == op
}

// AssignLocation creates an assignment, refreshes the operation's assignments and returns
// the created record as the refreshed collection holds it.
func (c *Client) AssignLocation(ctx context.Context, op models.OperationID, userID string, lat, lon float64, opts AssignOptions) (*models.AssignedLocation, error) {
	in := backend.NewAssignment{
		OperationID:      op,
		AssignedToUserID: userID,
		Coordinate:       models.Coordinate{Latitude: lat, Longitude: lon},
		Label:            opts.Label,
		Notes:            opts.Notes,
	}
	switch {
	case op.IsZero():
		return nil, fmt.Errorf("%w: operation required", models.ErrInvalidRecord)
	case userID == "":
		return nil, fmt.Errorf("%w: assignee required", models.ErrInvalidRecord)
	case !in.Coordinate.Valid():
		return nil, fmt.Errorf("%w: coordinate out of range", models.ErrInvalidRecord)
	}

	created, err := c.backend.CreateAssignment(ctx, in)
	if err != nil {
		return nil, backend.WriteFailure("assign location", "assignment", err)
	}
	c.logger.Info("assignment created", "operation", op, "id", created.ID, "user", userID)

	refreshed, err := c.backend.FetchAssignments(ctx, op)
	if err != nil {
		c.logger.Warn("assignment refresh failed", "operation", op, "err", err)
		if err := c.applyWriteEcho(ctx, *created); err != nil {
			return nil, err
		}
		return created, nil
	}
	if err := c.prefetch.SetAssignments(ctx, op, refreshed); err != nil {
		return nil, err
	}

	var found *models.AssignedLocation
	for i := range refreshed {
		if refreshed[i].ID == created.ID {
			found = &refreshed[i]
			break
		}
	}
	if found == nil {
		return nil, backend.NotFound("assign location", "assignment", fmt.Errorf("assignment %s missing after refresh", created.ID))
	}
	if err := c.applyLive(ctx, *found); err != nil {
		return nil, err
	}
	out := *found
	return &out, nil
}

// applyWriteEcho stores a write echo in the cache and the live store.
func (c *Client) applyWriteEcho(ctx context.Context, a models.AssignedLocation) error {
	if err := c.prefetch.UpsertAssignment(ctx, a); err != nil {
		return err
	}
	return c.applyLive(ctx, a)
}

// applyLive upserts a into the live store of an active operation unless the store
// already holds a version updated after it, such as one the feed delivered first.
func (c *Client) applyLive(ctx context.Context, a models.AssignedLocation) error {
	if !c.isActive(a.OperationID) {
		return nil
	}
	store := c.assignments.Store()
	return c.loop.Do(ctx, func() {
		if !c.isActive(a.OperationID) {
			return
		}
		if current, ok := store.Get(a.ID); ok && !a.UpdatedAt.After(current.UpdatedAt) {
			return
		}
		store.Upsert(a)
	})
}

// known returns the locally known version of an assignment.
func (c *Client) known(id string) (models.AssignedLocation, bool) {
	if a, ok := c.assignments.Store().Get(id); ok {
		return a, true
	}
	op := c.tracker.Current()
	if op.IsZero() {
		return models.AssignedLocation{}, false
	}
	for _, a := range c.prefetch.Assignments(op) {
		if a.ID == id {
			return a, true
		}
	}
	return models.AssignedLocation{}, false
}

// UpdateStatus moves an assignment to status after checking the transition locally.
func (c *Client) UpdateStatus(ctx context.Context, id string, status models.AssignmentStatus) (*models.AssignedLocation, error) {
	current, ok := c.known(id)
	if !ok {
		return nil, backend.NotFound("update status", "assignment", fmt.Errorf("assignment %s", id))
	}
	if !models.CanTransition(current.Status, status) {
		return nil, fmt.Errorf("%w: cannot move assignment %s from %s to %s", models.ErrInvalidRecord, id, current.Status, status)
	}

	updated, err := c.backend.UpdateAssignmentStatus(ctx, id, status)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, err
		}
		return nil, backend.WriteFailure("update status", "assignment", err)
	}
	if err := c.applyWriteEcho(ctx, *updated); err != nil {
		return nil, err
	}
	c.logger.Info("assignment status changed", "id", id, "from", current.Status, "to", updated.Status)
	return updated, nil
}

// StartNavigation marks an assignment en route.
func (c *Client) StartNavigation(ctx context.Context, id string) (*models.AssignedLocation, error) {
	return c.UpdateStatus(ctx, id, models.StatusEnRoute)
}

// CancelAssignment cancels an assignment and drops it from the live store and cache.
func (c *Client) CancelAssignment(ctx context.Context, id string) error {
	if current, ok := c.known(id); ok && current.Status.Terminal() {
		return fmt.Errorf("%w: assignment %s is already %s", models.ErrInvalidRecord, id, current.Status)
	}

	final, err := c.backend.CancelAssignment(ctx, id)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return err
		}
		return backend.WriteFailure("cancel", "assignment", err)
	}

	op := final.OperationID
	if err := c.prefetch.RemoveAssignment(ctx, op, id); err != nil {
		return err
	}
	if c.isActive(op) {
		store := c.assignments.Store()
		if err := c.loop.Do(ctx, func() { store.Delete(id) }); err != nil {
			return err
		}
	}
	c.logger.Info("assignment cancelled", "operation", op, "id", id)
	return nil
}

// SendMessage posts body to op as the configured identity.
func (c *Client) SendMessage(ctx context.Context, op models.OperationID, body string) (*models.ChatMessage, error) {
	if c.userID == "" {
		return nil, fmt.Errorf("%w: no identity configured", models.ErrInvalidRecord)
	}
	if body == "" {
		return nil, fmt.Errorf("%w: empty message", models.ErrInvalidRecord)
	}
	msg, err := c.backend.SendMessage(ctx, backend.NewMessage{
		OperationID:       op,
		SenderUserID:      c.userID,
		SenderDisplayName: c.displayName,
		Body:              body,
	})
	if err != nil {
		return nil, backend.WriteFailure("send message", "message", err)
	}
	if c.isActive(op) {
		store := c.messages.Store()
		err := c.loop.Do(ctx, func() {
			if _, ok := store.Get(msg.ID); !ok && c.isActive(op) {
				store.Upsert(*msg)
			}
		})
		if err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// StartPublishing begins the periodic location publish for op and user.
func (c *Client) StartPublishing(op models.OperationID, user string) {
	c.publisher.Start(op, user)
}

func (c *Client) StopPublishing() {
	c.publisher.Stop()
}

func (c *Client) IsPublishing() bool {
	return c.publisher.IsPublishing()
}

// UpdateDeviceLocation records the latest device fix for the next publish.
func (c *Client) UpdateDeviceLocation(point models.LocationPoint) {
	c.source.Update(point)
}

// Assignments returns the live assignments once op is active and its baseline has
// landed, else the cached ones.
func (c *Client) Assignments(op models.OperationID) []models.AssignedLocation {
	if c.isActive(op) {
		if live, ok := c.assignments.Live(op); ok {
			return live
		}
	}
	return c.prefetch.Assignments(op)
}

// MemberLocations returns the active operation's member locations; empty until its
// baseline lands.
func (c *Client) MemberLocations() []models.MemberLocation {
	live, _ := c.locations.Live(c.tracker.Current())
	return live
}

// Messages returns the active operation's chat; empty until its baseline lands.
func (c *Client) Messages() []models.ChatMessage {
	live, _ := c.messages.Live(c.tracker.Current())
	return live
}

func (c *Client) Targets(op models.OperationID) []models.Target {
	return c.prefetch.Targets(op)
}

func (c *Client) StagingPoints(op models.OperationID) []models.StagingPoint {
	return c.prefetch.StagingPoints(op)
}

func (c *Client) Members(op models.OperationID) []models.MemberSummary {
	return c.prefetch.Members(op)
}

func (c *Client) ClearCache(op models.OperationID) {
	c.prefetch.ClearCache(op)
}

// SubscribeAssignments registers fn for every live assignment change. fn runs on the loop
// and must not call back into the client's commands.
func (c *Client) SubscribeAssignments(fn func([]models.AssignedLocation)) (unsubscribe func()) {
	return c.assignments.Store().Subscribe(fn)
}

func (c *Client) SubscribeMemberLocations(fn func([]models.MemberLocation)) (unsubscribe func()) {
	return c.locations.Store().Subscribe(fn)
}

func (c *Client) SubscribeMessages(fn func([]models.ChatMessage)) (unsubscribe func()) {
	return c.messages.Store().Subscribe(fn)
}

// SubscribeCache registers fn for every change to a cached operation.
func (c *Client) SubscribeCache(fn func(models.OperationID)) (unsubscribe func()) {
	return c.prefetch.Subscribe(fn)
}

func (c *Client) SubscribeActiveOperation(fn func(models.OperationID)) (unsubscribe func()) {
	return c.tracker.Subscribe(fn)
}

func (c *Client) OnPublish(fn func(livesync.PublishResult)) (unsubscribe func()) {
	return c.publisher.OnPublish(fn)
}
