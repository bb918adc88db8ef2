// Package tongyou polls the Tongyou head-haul tracking API.
package tongyou

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/TrailBox/internal/integrations/carrier"
	"github.com/BearBump/TrailBox/internal/integrations/carrier/fields"
	"github.com/BearBump/TrailBox/internal/models"
	"github.com/pkg/errors"
)

// InterfaceName: ключ в реестре, совпадает с interface_name в справочнике.
const InterfaceName = "通邮轨迹接口"

var DefaultKeys = models.ResponseKeys{
	TimeKey:        "changeDate",
	StatusKey:      "status",
	DescriptionKey: "record",
	CityKey:        "city",
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

type response struct {
	Success bool `json:"success"`
	Tracks  []struct {
		TransferNo string            `json:"transferNo"`
		TrackInfo  []json.RawMessage `json:"trackInfo"`
	} `json:"tracks"`
	Error struct {
		ErrorInfo string `json:"errorInfo"`
	} `json:"error"`
}

func (c *Client) Fetch(ctx context.Context, sh models.Shipment, iface *models.CarrierInterface) (carrier.FetchResult, error) {
	token := iface.AuthParam("token")
	if token == "" {
		return carrier.FetchResult{}, errors.Wrap(models.ErrConfiguration, "auth_params.token is empty")
	}
	base := strings.TrimRight(strings.TrimSpace(iface.RequestURL), "=")
	if base == "" {
		return carrier.FetchResult{}, errors.Wrap(models.ErrConfiguration, "request_url is empty")
	}

	u := base + "=" + url.QueryEscape(sh.TransferNo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(nil))
	if err != nil {
		return carrier.FetchResult{}, errors.Wrap(models.ErrConfiguration, err.Error())
	}
	req.Header.Set("Accept", "application/json;charset=utf-8")
	req.Header.Set("Content-Type", "application/json;charset=utf-8")
	req.Header.Set("token", token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return carrier.FetchResult{}, errors.Wrap(models.ErrTransientFetch, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return carrier.FetchResult{}, errors.Wrap(models.ErrTransientFetch, err.Error())
	}
	if resp.StatusCode/100 != 2 {
		return carrier.FetchResult{Raw: string(body)}, errors.Wrapf(models.ErrTransientFetch, "tongyou http %d", resp.StatusCode)
	}

	out := carrier.FetchResult{Raw: string(body)}

	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return out, errors.Wrap(models.ErrTransientFetch, "malformed response: "+err.Error())
	}
	if !r.Success {
		info := r.Error.ErrorInfo
		if info == "" {
			info = "unknown error"
		}
		return out, errors.Wrap(models.ErrTransientFetch, "tongyou: "+info)
	}
	if len(r.Tracks) == 0 {
		return out, nil
	}

	track := r.Tracks[0]
	out.LastmileNo = strings.TrimSpace(track.TransferNo)
	out.Latest = c.latest(track.TrackInfo, iface.ResponseKeys.WithDefaults(DefaultKeys))
	return out, nil
}

// latest picks the newest node by event time; the first node wins when no
// node carries a time.
func (c *Client) latest(items []json.RawMessage, keys models.ResponseKeys) *models.RawEvent {
	var best *models.RawEvent
	for _, it := range items {
		var v any
		if json.Unmarshal(it, &v) != nil {
			continue
		}
		ev := c.eval.Event(v, keys)
		if best == nil || ev.Time.After(best.Time) {
			best = &ev
		}
	}
	return best
}
