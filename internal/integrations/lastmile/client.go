// Package lastmile is a client of the last-mile tracking aggregator
// (17Track v2.4 API shape): numbers are registered first and queried later.
package lastmile

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BearBump/TrailBox/internal/models"
	"github.com/pkg/errors"
)

const (
	DefaultBaseURL = "https://api.17track.net/track/v2.4"
	MaxBatch       = 40
)

var ErrBatchTooLarge = errors.New("too many numbers in one aggregator request")

type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

func New(baseURL, token string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{Timeout: timeout},
	}
}

type numberReq struct {
	Number  string `json:"number"`
	Carrier string `json:"carrier"`
}

// Register subscribes numbers at the aggregator and returns the raw response.
func (c *Client) Register(ctx context.Context, numbers []string) (string, error) {
	return c.post(ctx, "/register", numbers)
}

// Item: результат запроса по одному номеру.
type Item struct {
	Number string
	// Raw: JSON этого элемента data.accepted[].
	Raw    string
	Events []models.RawEvent
}

type QueryResult struct {
	Raw   string
	Items map[string]Item
}

type queryResp struct {
	Code int `json:"code"`
	Data struct {
		Accepted []json.RawMessage `json:"accepted"`
	} `json:"data"`
}

type acceptedItem struct {
	Number    string `json:"number"`
	TrackInfo struct {
		Tracking struct {
			Providers []struct {
				Events []struct {
					TimeISO     string `json:"time_iso"`
					Description string `json:"description"`
					Stage       string `json:"stage"`
					SubStatus   string `json:"sub_status"`
					Location    string `json:"location"`
					Address     struct {
						Country string `json:"country"`
						City    string `json:"city"`
					} `json:"address"`
				} `json:"events"`
			} `json:"providers"`
		} `json:"tracking"`
	} `json:"track_info"`
}

// Query fetches the tracking history of registered numbers. Accepted items
// for numbers that were not asked for are ignored.
func (c *Client) Query(ctx context.Context, numbers []string) (QueryResult, error) {
	raw, err := c.post(ctx, "/gettrackinfo", numbers)
	if err != nil {
		return QueryResult{Raw: raw}, err
	}

	var r queryResp
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return QueryResult{Raw: raw}, errors.Wrap(models.ErrTransientFetch, "decode: "+err.Error())
	}

	asked := make(map[string]struct{}, len(numbers))
	for _, n := range numbers {
		asked[strings.TrimSpace(n)] = struct{}{}
	}

	out := QueryResult{Raw: raw, Items: make(map[string]Item, len(r.Data.Accepted))}
	for _, a := range r.Data.Accepted {
		var it acceptedItem
		if json.Unmarshal(a, &it) != nil || it.Number == "" {
			continue
		}
		if _, ok := asked[it.Number]; !ok {
			continue
		}
		item := Item{Number: it.Number, Raw: string(a)}
		for _, p := range it.TrackInfo.Tracking.Providers {
			for _, e := range p.Events {
				ev := models.RawEvent{
					Status:      e.Stage,
					SubStatus:   e.SubStatus,
					Description: e.Description,
					City:        models.Some(e.Address.City),
					Country:     models.Some(e.Address.Country),
				}
				if !ev.City.IsSet() {
					ev.City = models.Some(e.Location)
				}
				if ts, err := models.ParseTrackingTime(e.TimeISO); err == nil {
					ev.Time = ts
				}
				item.Events = append(item.Events, ev)
			}
		}
		out.Items[it.Number] = item
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, numbers []string) (string, error) {
	if len(numbers) > MaxBatch {
		return "", errors.Wrapf(ErrBatchTooLarge, "%d > %d", len(numbers), MaxBatch)
	}
	payload := make([]numberReq, 0, len(numbers))
	for _, n := range numbers {
		if n = strings.TrimSpace(n); n != "" {
			payload = append(payload, numberReq{Number: n})
		}
	}
	if len(payload) == 0 {
		return "", errors.Wrap(models.ErrData, "no last-mile numbers")
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(models.ErrConfiguration, err.Error())
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("17token", c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", errors.Wrap(models.ErrTransientFetch, err.Error())
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(models.ErrTransientFetch, err.Error())
	}
	if resp.StatusCode/100 != 2 {
		return string(b), errors.Wrapf(models.ErrTransientFetch, "aggregator http %d", resp.StatusCode)
	}
	if !json.Valid(b) {
		return string(b), errors.Wrap(models.ErrTransientFetch, "aggregator returned malformed json")
	}
	return string(b), nil
}
