package fake

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"time"

	"github.com/BearBump/TrailBox/internal/integrations/carrier"
	"github.com/BearBump/TrailBox/internal/models"
)

const InterfaceName = "fake"

// Statuses: сырые статусы, которые по очереди "отдаёт" заглушка.
var Statuses = []string{"1", "3", "5", "8"}

// Client: детерминированный перевозчик без сети, для демо и тестов.
// Статус выбирается по хэшу transfer_no.
type Client struct {
	now func() time.Time
}

func New() *Client { return &Client{now: time.Now} }

func (f *Client) WithClock(now func() time.Time) *Client {
	f.now = now
	return f
}

func (f *Client) Fetch(_ context.Context, sh models.Shipment, _ *models.CarrierInterface) (carrier.FetchResult, error) {
	now := models.NormalizeTrackingTime(f.now())

	h := fnv.New32a()
	_, _ = h.Write([]byte(sh.TransferNo))
	v := h.Sum32()
	status := Statuses[v%uint32(len(Statuses))]

	ev := models.RawEvent{
		Status:      status,
		Description: "fake carrier update",
		Time:        now,
	}
	raw, _ := json.Marshal(map[string]any{
		"success":    true,
		"transferNo": sh.TransferNo,
		"status":     status,
		"changeDate": now.UnixMilli(),
	})

	return carrier.FetchResult{
		Raw:        string(raw),
		Latest:     &ev,
		LastmileNo: "FAKE" + sh.TransferNo,
	}, nil
}
