package client

import (
	"context"

	"rollcall/pkg/types"
)

// Typed wrappers over Request for each protocol operation.

func (c *Client) CreateSession(ctx context.Context, req types.CreateSessionRequest) (*types.SessionSnapshot, error) {
	ev, err := c.Request(ctx, types.MessageTypeCreateSession, req)
	if err != nil {
		return nil, err
	}
	var snap types.SessionSnapshot
	if err := types.DecodePayload(ev, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) JoinSession(ctx context.Context, req types.JoinSessionRequest) (*types.SessionSnapshot, error) {
	ev, err := c.Request(ctx, types.MessageTypeJoinSession, req)
	if err != nil {
		return nil, err
	}
	var snap types.SessionSnapshot
	if err := types.DecodePayload(ev, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) LeaveSession(ctx context.Context, sessionID string) error {
	_, err := c.Request(ctx, types.MessageTypeLeaveSession, types.LeaveSessionRequest{SessionID: sessionID})
	return err
}

func (c *Client) MarkOne(ctx context.Context, req types.MarkOneRequest) (*types.MarkAppliedPayload, error) {
	ev, err := c.Request(ctx, types.MessageTypeMarkOne, req)
	if err != nil {
		return nil, err
	}
	var payload types.MarkAppliedPayload
	if err := types.DecodePayload(ev, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (c *Client) MarkBulk(ctx context.Context, req types.MarkBulkRequest) (*types.BulkAppliedPayload, error) {
	ev, err := c.Request(ctx, types.MessageTypeMarkBulk, req)
	if err != nil {
		return nil, err
	}
	var payload types.BulkAppliedPayload
	if err := types.DecodePayload(ev, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (c *Client) GetStatus(ctx context.Context, sessionID string) (*types.StatusPayload, error) {
	ev, err := c.Request(ctx, types.MessageTypeGetStatus, types.GetStatusRequest{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	var payload types.StatusPayload
	if err := types.DecodePayload(ev, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (c *Client) CloseSession(ctx context.Context, sessionID string) (*types.SessionClosedPayload, error) {
	ev, err := c.Request(ctx, types.MessageTypeCloseSession, types.CloseSessionRequest{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	var payload types.SessionClosedPayload
	if err := types.DecodePayload(ev, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (c *Client) GetStats(ctx context.Context, classID, date string) (*types.StatsPayload, error) {
	ev, err := c.Request(ctx, types.MessageTypeGetStats, types.GetStatsRequest{ClassID: classID, Date: date})
	if err != nil {
		return nil, err
	}
	var payload types.StatsPayload
	if err := types.DecodePayload(ev, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
