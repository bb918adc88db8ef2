// Package pushgw delivers canonical timelines to the downstream consumer
// (SZPost trail import protocol).
package pushgw

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BearBump/TrailBox/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	DefaultBatchSize = 100
	NodeTimeLayout   = "2006-01-02 15:04:05"
)

const (
	SideReceive = "rec"
	SideSend    = "send"
)

// Port: аэропорт, дописываемый в узел по коду статуса.
type Port struct {
	Side string `yaml:"side" json:"side"`
	Name string `yaml:"name" json:"name"`
	Code string `yaml:"code" json:"code"`
}

func DefaultPorts() map[string]Port {
	return map[string]Port{
		"O_037": {Side: SideReceive, Name: "LosAngels", Code: "LAX"},
		"O_035": {Side: SideSend, Name: "Shenzhen", Code: "SZX"},
	}
}

type Config struct {
	URL         string
	PartnerCode string
	SignKey     string
	Timeout     time.Duration
	Ports       map[string]Port
}

type TrailItem struct {
	OrderCode        string `json:"orderCode"`
	NodeStatus       string `json:"nodeStatus"`
	NodeTime         string `json:"nodeTime"`
	NodeDesc         string `json:"nodeDesc"`
	NodeCountry      string `json:"nodeCountry"`
	NodeAddress      string `json:"nodeAddress"`
	RecCountyPort    string `json:"recCountyPort"`
	RecCountyPortCd  string `json:"recCountyPortCd"`
	SendCountyPort   string `json:"sendCountyPort"`
	SendCountyPortCd string `json:"sendCountyPortCd"`
}

type Payload struct {
	TrailList []TrailItem `json:"trailList"`
}

type PushResult struct {
	BatchID string
	Events  int
	Raw     string
	Partial bool
}

type Gateway struct {
	cfg   Config
	httpc *http.Client
}

func New(cfg Config) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Ports == nil {
		cfg.Ports = DefaultPorts()
	}
	return &Gateway{cfg: cfg, httpc: &http.Client{Timeout: cfg.Timeout}}
}

// BuildPayload converts events to trail items. Events with a code outside the
// node set are skipped.
func BuildPayload(events []models.PushEvent, nodes models.NodeSet, ports map[string]Port) Payload {
	p := Payload{TrailList: make([]TrailItem, 0, len(events))}
	for _, e := range events {
		node, ok := nodes.Lookup(e.StatusCode)
		if !ok {
			continue
		}
		it := TrailItem{
			OrderCode:   e.OrderNo,
			NodeStatus:  e.StatusCode,
			NodeTime:    models.NormalizeTrackingTime(e.TrackingTime).Format(NodeTimeLayout),
			NodeDesc:    e.Description,
			NodeCountry: e.Country,
			NodeAddress: e.City,
		}
		if port, ok := ports[e.StatusCode]; ok {
			code := port.Code
			if code == "" {
				code = node.DefaultAirportCode
			}
			switch port.Side {
			case SideReceive:
				it.RecCountyPort, it.RecCountyPortCd = port.Name, code
			case SideSend:
				it.SendCountyPort, it.SendCountyPortCd = port.Name, code
			}
		}
		p.TrailList = append(p.TrailList, it)
	}
	return p
}

// Encode renders the payload as compact JSON without HTML escaping; the
// signature is computed over exactly these bytes.
func Encode(p Payload) ([]byte, error) {
	if p.TrailList == nil {
		p.TrailList = []TrailItem{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign returns hex(sha256(body + secret)).
func Sign(body []byte, secret string) string {
	h := sha256.New()
	h.Write(body)
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

type downstreamResp struct {
	Success *bool  `json:"success"`
	Partial bool   `json:"partial"`
	Message string `json:"message"`
	Msg     string `json:"msg"`
}

// Push sends events in one signed request. The batch succeeds or fails as a whole.
func (g *Gateway) Push(ctx context.Context, events []models.PushEvent, nodes models.NodeSet) (PushResult, error) {
	if g.cfg.URL == "" {
		return PushResult{}, errors.Wrap(models.ErrConfiguration, "push url is empty")
	}
	payload := BuildPayload(events, nodes, g.cfg.Ports)
	body, err := Encode(payload)
	if err != nil {
		return PushResult{}, errors.Wrap(models.ErrPush, err.Error())
	}

	res := PushResult{BatchID: uuid.NewString(), Events: len(payload.TrailList)}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return res, errors.Wrap(models.ErrConfiguration, err.Error())
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	req.Header.Set("datadigest", Sign(body, g.cfg.SignKey))
	req.Header.Set("partnercode", g.cfg.PartnerCode)

	resp, err := g.httpc.Do(req)
	if err != nil {
		return res, errors.Wrap(models.ErrPush, err.Error())
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return res, errors.Wrap(models.ErrPush, err.Error())
	}
	res.Raw = string(b)
	if resp.StatusCode/100 != 2 {
		return res, errors.Wrapf(models.ErrPush, "downstream http %d", resp.StatusCode)
	}

	var dr downstreamResp
	if err := json.Unmarshal(b, &dr); err != nil {
		return res, errors.Wrap(models.ErrPush, "malformed downstream response")
	}
	if dr.Success != nil && !*dr.Success {
		if dr.Partial {
			res.Partial = true
			return res, nil
		}
		msg := strings.TrimSpace(dr.Message + " " + dr.Msg)
		if msg == "" {
			msg = "rejected"
		}
		return res, errors.Wrap(models.ErrPush, "downstream: "+msg)
	}
	return res, nil
}
