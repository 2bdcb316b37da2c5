package model

import "time"

// ReportEventType enumerates the lifecycle events the Orchestrator emits
// into the ReportQueue.
type ReportEventType string

const (
	EventEcuDownloadStarted          ReportEventType = "EcuDownloadStarted"
	EventEcuDownloadCompleted        ReportEventType = "EcuDownloadCompleted"
	EventEcuInstallationCompleted    ReportEventType = "EcuInstallationCompleted"
	EventEcuInstallationApplied      ReportEventType = "EcuInstallationApplied"
)

// ReportEvent is one lifecycle event streamed to the backend.
type ReportEvent struct {
	ID         string                 `json:"id"`
	Type       ReportEventType        `json:"type"`
	Version    int                    `json:"version"`
	DeviceTime time.Time              `json:"deviceTime"`
	Custom     ReportEventCustom      `json:"custom"`
}

// ReportEventCustom carries the correlation id and per-event context.
type ReportEventCustom struct {
	CorrelationID string `json:"correlationId"`
	Ecu           EcuSerial `json:"ecu,omitempty"`
	Success       *bool  `json:"success,omitempty"`
	CampaignID    string `json:"campaignId,omitempty"`
	ResultCode    string `json:"resultCode,omitempty"`
}

// BoolPtr is a small helper for populating ReportEventCustom.Success.
func BoolPtr(b bool) *bool { return &b }
