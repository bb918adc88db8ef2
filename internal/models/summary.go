package models

import "time"

const MaxSummaryFailures = 20

type ItemFailure struct {
	ShipmentID uint64 `json:"shipment_id"`
	Reason     string `json:"reason"`
}

// RunSummary is what every poll/push run reports instead of an error.
type RunSummary struct {
	Kind       string        `json:"kind"`
	Total      int           `json:"total"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Failures   []ItemFailure `json:"failures,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

func NewRunSummary(kind string, now time.Time) *RunSummary {
	return &RunSummary{Kind: kind, StartedAt: now.UTC()}
}

func (s *RunSummary) Ok() {
	s.Total++
	s.Succeeded++
}

func (s *RunSummary) Fail(shipmentID uint64, reason string) {
	s.Total++
	s.Failed++
	if len(s.Failures) < MaxSummaryFailures {
		s.Failures = append(s.Failures, ItemFailure{ShipmentID: shipmentID, Reason: reason})
	}
}

// Add folds another summary into s.
func (s *RunSummary) Add(o *RunSummary) {
	if o == nil {
		return
	}
	s.Total += o.Total
	s.Succeeded += o.Succeeded
	s.Failed += o.Failed
	for _, f := range o.Failures {
		if len(s.Failures) >= MaxSummaryFailures {
			break
		}
		s.Failures = append(s.Failures, f)
	}
}

func (s *RunSummary) Finish(now time.Time) *RunSummary {
	s.FinishedAt = now.UTC()
	return s
}
