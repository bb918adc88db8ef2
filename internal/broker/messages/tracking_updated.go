package messages

import (
	"time"

	"github.com/BearBump/TrailBox/internal/models"
)

const TopicTrackingUpdated = "tracking.updated"

// TrackingUpdated публикуется воркером после каждого коммита записи.
type TrackingUpdated struct {
	ShipmentID   uint64     `json:"shipment_id"`
	OrderNo      string     `json:"order_no"`
	StatusCode   string     `json:"status_code,omitempty"`
	Description  string     `json:"description,omitempty"`
	TrackingTime *time.Time `json:"tracking_time,omitempty"`
	StopTracking bool       `json:"stop_tracking"`
	StopReason   string     `json:"stop_reason,omitempty"`
	Events       int        `json:"events"`
	Source       string     `json:"source"`
	CheckedAt    time.Time  `json:"checked_at"`
}

func FromRecord(rec *models.TrackingRecord, source string, at time.Time) TrackingUpdated {
	m := TrackingUpdated{
		ShipmentID:   rec.ShipmentID,
		OrderNo:      rec.OrderNo,
		StatusCode:   rec.StatusCode,
		Description:  rec.Description,
		TrackingTime: rec.TrackingTime,
		StopTracking: rec.StopTracking,
		Events:       len(rec.PushEvents),
		Source:       source,
		CheckedAt:    at.UTC(),
	}
	if rec.StopReason != nil {
		m.StopReason = *rec.StopReason
	}
	return m
}
