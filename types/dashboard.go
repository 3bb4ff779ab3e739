package types

import (
	"encoding/json"
	"time"
)

// DashboardStats is the aggregate returned by /dashboard/stats.
type DashboardStats struct {
	Infrastructure struct {
		TotalHosts     int `json:"totalHosts"`
		ConnectedHosts int `json:"connectedHosts"`
		TotalVMs       int `json:"totalVMs"`
		RunningVMs     int `json:"runningVMs"`
		StoppedVMs     int `json:"stoppedVMs"`
	} `json:"infrastructure"`
	Resources struct {
		TotalMemoryGB     float64 `json:"totalMemoryGB"`
		UsedMemoryGB      float64 `json:"usedMemoryGB"`
		MemoryUtilization float64 `json:"memoryUtilization"`
		TotalCPUs         int     `json:"totalCPUs"`
		AllocatedCPUs     int     `json:"allocatedCPUs"`
		CPUUtilization    float64 `json:"cpuUtilization"`
	} `json:"resources"`
	Health struct {
		SystemStatus string `json:"systemStatus"`
		LastSync     string `json:"lastSync"`
		Errors       int    `json:"errors"`
		Warnings     int    `json:"warnings"`
	} `json:"health"`
}

// Activity is one entry of the dashboard activity feed.
type Activity struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	HostID    string    `json:"hostId"`
	VMUUID    string    `json:"vmUuid,omitempty"`
	VMName    string    `json:"vmName,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"`
	Details   string    `json:"details,omitempty"`
}

// ActivityPage is the /dashboard/activity response.
type ActivityPage struct {
	Activities []Activity `json:"activities"`
	Pagination struct {
		Total int `json:"total"`
		Page  int `json:"page"`
		Limit int `json:"limit"`
	} `json:"pagination"`
}

// Overview is the /dashboard/overview response.
type Overview struct {
	Stats      json.RawMessage `json:"stats"`
	Activities []Activity      `json:"activities"`
	Timestamp  time.Time       `json:"timestamp"`
}
