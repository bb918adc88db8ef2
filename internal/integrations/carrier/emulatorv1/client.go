// Package emulatorv1 talks to the carrier emulator used in local
// environments. Unlike Tongyou it has a native batch endpoint.
package emulatorv1

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BearBump/TrailBox/internal/integrations/carrier"
	"github.com/BearBump/TrailBox/internal/integrations/carrier/fields"
	"github.com/BearBump/TrailBox/internal/models"
	"github.com/pkg/errors"
)

const InterfaceName = "emulator-v1"

var DefaultKeys = models.ResponseKeys{
	TimeKey:        "event_time",
	StatusKey:      "status_raw",
	DescriptionKey: "message",
	CityKey:        "location",
	CountryKey:     "country",
}

type Client struct {
	httpc *http.Client
	eval  *fields.Evaluator
}

func New(timeout time.Duration, eval *fields.Evaluator) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if eval == nil {
		eval = fields.NewEvaluator()
	}
	return &Client{
		httpc: &http.Client{Timeout: timeout},
		eval:  eval,
	}
}

type batchReq struct {
	TrackNumbers []string `json:"track_numbers"`
}

type batchItem struct {
	TrackNumber string            `json:"track_number"`
	LastmileNo  string            `json:"lastmile_no,omitempty"`
	Events      []json.RawMessage `json:"events"`
	Error       string            `json:"error,omitempty"`
}

type batchResp struct {
	Items []batchItem `json:"items"`
}

func (c *Client) FetchBatch(ctx context.Context, shipments []models.Shipment, iface *models.CarrierInterface) []carrier.FetchResult {
	base := strings.TrimRight(strings.TrimSpace(iface.RequestURL), "/")
	if base == "" {
		return carrier.FailAll(shipments, errors.Wrap(models.ErrConfiguration, "request_url is empty"))
	}

	numbers := make([]string, 0, len(shipments))
	for _, sh := range shipments {
		if sh.TransferNo != "" {
			numbers = append(numbers, sh.TransferNo)
		}
	}

	var items map[string]batchItem
	var raw string
	var batchErr error
	if len(numbers) > 0 {
		items, raw, batchErr = c.call(ctx, base, iface.AuthParam("api_key"), numbers)
	}

	keys := iface.ResponseKeys.WithDefaults(DefaultKeys)
	out := make([]carrier.FetchResult, 0, len(shipments))
	for _, sh := range shipments {
		res := carrier.FetchResult{ShipmentID: sh.ID}
		switch {
		case sh.TransferNo == "":
			res.Err = errors.Wrap(models.ErrData, "empty transfer number")
		case batchErr != nil:
			res.Raw = raw
			res.Err = batchErr
		default:
			it, ok := items[sh.TransferNo]
			if !ok {
				res.Err = errors.Wrap(models.ErrTransientFetch, "number missing in emulator response")
				break
			}
			b, _ := json.Marshal(it)
			res.Raw = string(b)
			if it.Error != "" {
				res.Err = errors.Wrap(models.ErrTransientFetch, "emulator: "+it.Error)
				break
			}
			res.LastmileNo = it.LastmileNo
			res.Latest = c.latest(it.Events, keys)
		}
		out = append(out, res)
	}
	return out
}

func (c *Client) call(ctx context.Context, base, apiKey string, numbers []string) (map[string]batchItem, string, error) {
	body, _ := json.Marshal(batchReq{TrackNumbers: numbers})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/tracking/batch", bytes.NewReader(body))
	if err != nil {
		return nil, "", errors.Wrap(models.ErrConfiguration, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, "", errors.Wrap(models.ErrTransientFetch, err.Error())
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", errors.Wrap(models.ErrTransientFetch, err.Error())
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, string(b), errors.Wrap(models.ErrTransientFetch, "carrier emulator rate limit (429)")
	}
	if resp.StatusCode/100 != 2 {
		return nil, string(b), errors.Wrapf(models.ErrTransientFetch, "carrier emulator http %d", resp.StatusCode)
	}

	var rb batchResp
	if err := json.Unmarshal(b, &rb); err != nil {
		return nil, string(b), errors.Wrap(models.ErrTransientFetch, "decode: "+err.Error())
	}
	items := make(map[string]batchItem, len(rb.Items))
	for _, it := range rb.Items {
		items[it.TrackNumber] = it
	}
	return items, string(b), nil
}

func (c *Client) latest(events []json.RawMessage, keys models.ResponseKeys) *models.RawEvent {
	var best *models.RawEvent
	for _, e := range events {
		var v any
		if json.Unmarshal(e, &v) != nil {
			continue
		}
		ev := c.eval.Event(v, keys)
		if best == nil || ev.Time.After(best.Time) {
			best = &ev
		}
	}
	return best
}
