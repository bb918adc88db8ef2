// Package stopcond decides when a shipment stops being polled.
package stopcond

import (
	"fmt"
	"time"

	"github.com/BearBump/TrailBox/internal/models"
)

const (
	DefaultMaxAge       = 45 * 24 * time.Hour
	DefaultStaleAfter   = 20 * 24 * time.Hour
	DefaultTerminalCode = "O_050"
)

type Settings struct {
	MaxAge       time.Duration
	StaleAfter   time.Duration
	TerminalCode string
}

func DefaultSettings() Settings {
	return Settings{
		MaxAge:       DefaultMaxAge,
		StaleAfter:   DefaultStaleAfter,
		TerminalCode: DefaultTerminalCode,
	}
}

type Evaluator struct {
	s Settings
}

func New(s Settings) *Evaluator {
	def := DefaultSettings()
	if s.MaxAge <= 0 {
		s.MaxAge = def.MaxAge
	}
	if s.StaleAfter <= 0 {
		s.StaleAfter = def.StaleAfter
	}
	if s.TerminalCode == "" {
		s.TerminalCode = def.TerminalCode
	}
	return &Evaluator{s: s}
}

func (e *Evaluator) Settings() Settings { return e.s }

func days(d time.Duration) int {
	return int(d / (24 * time.Hour))
}

// AgeReason is the stop reason for shipments imported too long ago.
func (e *Evaluator) AgeReason() string {
	return fmt.Sprintf("imported more than %d days ago", days(e.s.MaxAge))
}

// Check returns the first matching stop reason. The rules, in order: age since
// import, terminal head-haul status, no tracking update for too long.
func (e *Evaluator) Check(sh models.Shipment, rec *models.TrackingRecord, now time.Time) (string, bool) {
	if !sh.ImportTime.IsZero() && now.Sub(sh.ImportTime) > e.s.MaxAge {
		return e.AgeReason(), true
	}
	if rec == nil {
		return "", false
	}
	if rec.StatusCode != "" && rec.StatusCode == e.s.TerminalCode {
		return fmt.Sprintf("terminal status %s reached", e.s.TerminalCode), true
	}
	if !rec.UpdatedAt.IsZero() && now.Sub(rec.UpdatedAt) > e.s.StaleAfter {
		return fmt.Sprintf("no tracking update for more than %d days", days(e.s.StaleAfter)), true
	}
	return "", false
}

// Apply stops rec when a rule fires. Already stopped records are left as is.
func (e *Evaluator) Apply(sh models.Shipment, rec *models.TrackingRecord, now time.Time) bool {
	if rec.StopTracking {
		return false
	}
	reason, ok := e.Check(sh, rec, now)
	if !ok {
		return false
	}
	return rec.Stop(reason, now)
}

// Expired reports whether a shipment that was never polled is past the age limit.
func (e *Evaluator) Expired(sh models.Shipment, now time.Time) bool {
	return !sh.ImportTime.IsZero() && now.Sub(sh.ImportTime) > e.s.MaxAge
}

// StoppedRecord builds the record created for an expired shipment that was
// never polled.
func (e *Evaluator) StoppedRecord(sh models.Shipment, now time.Time) *models.TrackingRecord {
	rec := &models.TrackingRecord{
		ShipmentID:         sh.ID,
		OrderNo:            sh.OrderNo,
		TransferNo:         sh.TransferNo,
		CarrierInterfaceID: sh.CarrierInterfaceID,
		PushEvents:         []models.PushEvent{},
		CreatedAt:          now.UTC(),
		UpdatedAt:          now.UTC(),
	}
	rec.Stop(e.AgeReason(), now)
	return rec
}
