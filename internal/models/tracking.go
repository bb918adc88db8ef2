package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Источник события в канонической ленте.
const (
	SourceHeadhaul = "headhaul"
	SourceLastmile = "lastmile"
	SourceManual   = "manual"
)

// TrackingZone: единая зона для всех времён событий (UTC+8, как у перевозчиков и получателя).
var TrackingZone = time.FixedZone("CST", 8*60*60)

const TrackingTimeLayout = "2006-01-02T15:04:05"

var trackingTimeLayouts = []string{
	TrackingTimeLayout,
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// NormalizeTrackingTime переводит t в TrackingZone с точностью до секунды.
func NormalizeTrackingTime(t time.Time) time.Time {
	return t.In(TrackingZone).Truncate(time.Second)
}

// ParseTrackingTime принимает RFC3339 с любым смещением или формат без зоны,
// который читается в TrackingZone.
func ParseTrackingTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return NormalizeTrackingTime(t), nil
	}
	for _, layout := range trackingTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, TrackingZone); err == nil {
			return NormalizeTrackingTime(t), nil
		}
	}
	return time.Time{}, errors.Errorf("bad tracking time %q", s)
}

// PushEvent: событие канонической ленты, уходящее получателю.
type PushEvent struct {
	OrderNo      string
	TrackingTime time.Time
	StatusCode   string
	Description  string
	City         string
	Country      string
	Source       string
}

type pushEventJSON struct {
	OrderNo      string `json:"order_no"`
	TrackingTime string `json:"tracking_time"`
	StatusCode   string `json:"status_code"`
	Description  string `json:"description"`
	City         string `json:"city"`
	Country      string `json:"country"`
	Source       string `json:"source"`
}

func (e PushEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(pushEventJSON{
		OrderNo:      e.OrderNo,
		TrackingTime: NormalizeTrackingTime(e.TrackingTime).Format(TrackingTimeLayout),
		StatusCode:   e.StatusCode,
		Description:  e.Description,
		City:         e.City,
		Country:      e.Country,
		Source:       e.Source,
	})
}

func (e *PushEvent) UnmarshalJSON(b []byte) error {
	var raw pushEventJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t, err := ParseTrackingTime(raw.TrackingTime)
	if err != nil {
		return err
	}
	*e = PushEvent{
		OrderNo:      raw.OrderNo,
		TrackingTime: t,
		StatusCode:   raw.StatusCode,
		Description:  raw.Description,
		City:         raw.City,
		Country:      raw.Country,
		Source:       raw.Source,
	}
	return nil
}

// SameMoment: оба события относятся к одному моменту.
func (e PushEvent) SameMoment(o PushEvent) bool {
	return e.TrackingTime.Equal(o.TrackingTime)
}

// SuppressedEvent: ключ удалённого события (источник, время, код).
type SuppressedEvent struct {
	Source       string    `json:"source"`
	TrackingTime time.Time `json:"tracking_time"`
	StatusCode   string    `json:"status_code"`
}

// Matches: событие совпадает с удалённым по источнику, времени и коду.
func (s SuppressedEvent) Matches(e PushEvent) bool {
	return s.Source == e.Source && s.StatusCode == e.StatusCode && s.TrackingTime.Equal(e.TrackingTime)
}

// Shipment: накладная бэк-офиса, только чтение.
type Shipment struct {
	ID                 uint64    `json:"id"`
	OrderNo            string    `json:"order_no"`
	TransferNo         string    `json:"transfer_no"`
	CarrierInterfaceID uint64    `json:"carrier_interface_id"`
	ImportTime         time.Time `json:"import_time"`
}

type TrackingRecord struct {
	ShipmentID         uint64 `json:"shipment_id"`
	OrderNo            string `json:"order_no"`
	TransferNo         string `json:"transfer_no"`
	CarrierInterfaceID uint64 `json:"carrier_interface_id"`

	// первая миля
	Description       string     `json:"description"`
	StatusCode        string     `json:"status_code"`
	RawStatus         string     `json:"raw_status"`
	TrackingTime      *time.Time `json:"tracking_time,omitempty"`
	RawResponse       *string    `json:"raw_response,omitempty"`
	HeadhaulFetchedAt *time.Time `json:"headhaul_fetched_at,omitempty"`
	HeadhaulError     *string    `json:"headhaul_error,omitempty"`

	// последняя миля
	LastmileNo        string     `json:"lastmile_no"`
	RegisterResponse  *string    `json:"register_response,omitempty"`
	RegisteredAt      *time.Time `json:"registered_at,omitempty"`
	QueryAfter        *time.Time `json:"query_after,omitempty"`
	LastmileResponse  *string    `json:"lastmile_response,omitempty"`
	LastmileFetchedAt *time.Time `json:"lastmile_fetched_at,omitempty"`
	LastmileError     *string    `json:"lastmile_error,omitempty"`

	PushEvents   []PushEvent `json:"push_events"`
	LastPushTime *time.Time  `json:"last_push_time,omitempty"`
	PushResponse *string     `json:"push_response,omitempty"`
	// удалённые вручную события; опрос не возвращает их в ленту
	Suppressed []SuppressedEvent `json:"suppressed_events,omitempty"`

	StopTracking bool       `json:"stop_tracking"`
	StopReason   *string    `json:"stop_reason,omitempty"`
	StopTime     *time.Time `json:"stop_time,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stop останавливает опрос записи. Остановленная запись не возобновляется:
// сохраняются причина и время первой остановки.
func (r *TrackingRecord) Stop(reason string, now time.Time) bool {
	if r.StopTracking {
		return false
	}
	r.StopTracking = true
	r.StopReason = &reason
	t := now.UTC()
	r.StopTime = &t
	return true
}

// Touch отмечает изменение данных трекинга. now должно быть временем
// фиксации изменения: по updated_at выбираются кандидаты на отправку.
func (r *TrackingRecord) Touch(now time.Time) {
	r.UpdatedAt = now.UTC()
}

// SetLastmileNo сохраняет номер последней мили. Новый номер сбрасывает
// регистрацию у агрегатора, чтобы зарегистрировать его заново.
func (r *TrackingRecord) SetLastmileNo(no string) bool {
	no = strings.TrimSpace(no)
	if no == "" || no == r.LastmileNo {
		return false
	}
	r.LastmileNo = no
	r.RegisterResponse = nil
	r.RegisteredAt = nil
	r.QueryAfter = nil
	return true
}

// Suppress запоминает удалённое событие, чтобы опрос не вернул его.
func (r *TrackingRecord) Suppress(e PushEvent) {
	for _, s := range r.Suppressed {
		if s.Matches(e) {
			return
		}
	}
	r.Suppressed = append(r.Suppressed, SuppressedEvent{
		Source:       e.Source,
		TrackingTime: NormalizeTrackingTime(e.TrackingTime),
		StatusCode:   e.StatusCode,
	})
}

// Active: запись ещё опрашивается.
func (r *TrackingRecord) Active() bool {
	return !r.StopTracking
}

type RecordFilter struct {
	StopTracking       *bool
	CarrierInterfaceID uint64
	OrderNo            string
	Limit              int
	Offset             int
}

// LastmileTarget: запись, ожидающая регистрации или запроса у агрегатора.
type LastmileTarget struct {
	ShipmentID uint64
	OrderNo    string
	LastmileNo string
	ImportTime time.Time
}

// TrackedShipment: накладная и её запись для проверки условий остановки.
type TrackedShipment struct {
	Shipment Shipment
	Record   *TrackingRecord
}
