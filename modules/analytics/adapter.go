package analytics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
)

// AnalyticsPort defines the interface for interacting with the analytics module.
// Consumers should use this interface instead of directly referencing the Module.
type AnalyticsPort interface {
	RoomStats(ctx context.Context, roomID string) (*RoomStats, error)
	Summary(ctx context.Context) (*Summary, error)
	RecentActivity(ctx context.Context, limit int) ([]Activity, error)
}

// AnalyticsAdapter implements AnalyticsPort using the service container.
type AnalyticsAdapter struct {
	container mono.ServiceContainer
}

var _ AnalyticsPort = (*AnalyticsAdapter)(nil)

// NewAnalyticsAdapter creates a new adapter for the analytics services.
func NewAnalyticsAdapter(container mono.ServiceContainer) *AnalyticsAdapter {
	if container == nil {
		panic("analytics adapter requires non-nil ServiceContainer")
	}
	return &AnalyticsAdapter{container: container}
}

// RoomStats retrieves statistics for one room.
func (a *AnalyticsAdapter) RoomStats(ctx context.Context, roomID string) (*RoomStats, error) {
	req := RoomStatsRequest{RoomID: roomID}
	var resp RoomStatsResponse
	if err := helper.CallRequestReplyService(
		ctx, a.container, ServiceRoomStats, json.Marshal, json.Unmarshal, &req, &resp,
	); err != nil {
		return nil, fmt.Errorf("%s service call failed: %w", ServiceRoomStats, err)
	}
	return &resp.Stats, nil
}

// Summary retrieves the overall analytics summary.
func (a *AnalyticsAdapter) Summary(ctx context.Context) (*Summary, error) {
	req := struct{}{}
	var resp Summary
	if err := helper.CallRequestReplyService(
		ctx, a.container, ServiceSummary, json.Marshal, json.Unmarshal, &req, &resp,
	); err != nil {
		return nil, fmt.Errorf("%s service call failed: %w", ServiceSummary, err)
	}
	return &resp, nil
}

// RecentActivity retrieves the most recent activity entries.
func (a *AnalyticsAdapter) RecentActivity(ctx context.Context, limit int) ([]Activity, error) {
	req := ActivityRequest{Limit: limit}
	var resp ActivityResponse
	if err := helper.CallRequestReplyService(
		ctx, a.container, ServiceRecentActivity, json.Marshal, json.Unmarshal, &req, &resp,
	); err != nil {
		return nil, fmt.Errorf("%s service call failed: %w", ServiceRecentActivity, err)
	}
	return resp.Activity, nil
}
