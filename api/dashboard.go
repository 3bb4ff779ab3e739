package api

import (
	"context"
	"net/http"

	"github.com/projecteru2/mancer/types"
)

// DashboardStats fetches the aggregate dashboard numbers.
func (c *Client) DashboardStats(ctx context.Context) (*types.DashboardStats, error) {
	var st types.DashboardStats
	if err := c.do(ctx, call{op: "dashboard.stats", method: http.MethodGet, path: "/dashboard/stats", out: &st}); err != nil {
		return nil, err
	}
	return &st, nil
}

// DashboardActivity fetches the recent activity feed.
func (c *Client) DashboardActivity(ctx context.Context) (*types.ActivityPage, error) {
	var page types.ActivityPage
	if err := c.do(ctx, call{op: "dashboard.activity", method: http.MethodGet, path: "/dashboard/activity", out: &page}); err != nil {
		return nil, err
	}
	return &page, nil
}

// DashboardOverview fetches stats and activity in one call.
func (c *Client) DashboardOverview(ctx context.Context) (*types.Overview, error) {
	var ov types.Overview
	if err := c.do(ctx, call{op: "dashboard.overview", method: http.MethodGet, path: "/dashboard/overview", out: &ov}); err != nil {
		return nil, err
	}
	return &ov, nil
}

// MetricsSettings fetches the global metrics settings.
func (c *Client) MetricsSettings(ctx context.Context) (*types.MetricsSettings, error) {
	ms := types.DefaultMetricsSettings()
	if err := c.do(ctx, call{op: "settings.metrics", method: http.MethodGet, path: "/settings/metrics", out: &ms}); err != nil {
		return nil, err
	}
	return &ms, nil
}

// UpdateMetricsSettings stores the global metrics settings.
func (c *Client) UpdateMetricsSettings(ctx context.Context, ms types.MetricsSettings) error {
	return c.do(ctx, call{op: "settings.metrics.update", method: http.MethodPut, path: "/settings/metrics", in: ms})
}
