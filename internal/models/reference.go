package models

import (
	"encoding/json"
	"time"
)

type StatusRule struct {
	SupplierStatus      string `json:"supplier_status"`
	SupplierDescription string `json:"supplier_description"`
	SystemStatusCode    string `json:"system_status_code" validate:"required"`
}

// ResponseKeys: имена полей в ответе перевозчика.
type ResponseKeys struct {
	TimeKey        string `json:"time_key,omitempty"`
	StatusKey      string `json:"status_key,omitempty"`
	DescriptionKey string `json:"description_key,omitempty"`
	CityKey        string `json:"city_key,omitempty"`
	CountryKey     string `json:"country_key,omitempty"`
}

// WithDefaults заполняет пустые ключи значениями из def.
func (k ResponseKeys) WithDefaults(def ResponseKeys) ResponseKeys {
	if k.TimeKey == "" {
		k.TimeKey = def.TimeKey
	}
	if k.StatusKey == "" {
		k.StatusKey = def.StatusKey
	}
	if k.DescriptionKey == "" {
		k.DescriptionKey = def.DescriptionKey
	}
	if k.CityKey == "" {
		k.CityKey = def.CityKey
	}
	if k.CountryKey == "" {
		k.CountryKey = def.CountryKey
	}
	return k
}

type CarrierInterface struct {
	ID                 uint64          `json:"id"`
	Name               string          `json:"interface_name" validate:"required"`
	RequestURL         string          `json:"request_url" validate:"required,url"`
	AuthParams         json.RawMessage `json:"auth_params,omitempty"`
	StatusMapping      []StatusRule    `json:"status_mapping" validate:"dive"`
	ResponseKeys       ResponseKeys    `json:"response_keys"`
	FetchIntervalHours float64         `json:"fetch_interval" validate:"gt=0"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// FetchInterval: минимальный интервал между запросами по одной отправке.
func (c *CarrierInterface) FetchInterval() time.Duration {
	return time.Duration(c.FetchIntervalHours * float64(time.Hour))
}

// AuthParam: строковое значение из auth_params, "" если его нет.
func (c *CarrierInterface) AuthParam(key string) string {
	if len(c.AuthParams) == 0 {
		return ""
	}
	var m map[string]any
	if json.Unmarshal(c.AuthParams, &m) != nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

type CanonicalStatusNode struct {
	StatusCode         string `json:"status_code" validate:"required"`
	StatusDescription  string `json:"status_description"`
	DefaultCity        string `json:"default_city"`
	DefaultCountryCode string `json:"default_country_code"`
	DefaultAirportCode string `json:"default_airport_code,omitempty"`
}

// NodeSet: канонические узлы по коду статуса.
type NodeSet map[string]CanonicalStatusNode

func NewNodeSet(nodes []CanonicalStatusNode) NodeSet {
	s := make(NodeSet, len(nodes))
	for _, n := range nodes {
		s[n.StatusCode] = n
	}
	return s
}

func (s NodeSet) Lookup(code string) (CanonicalStatusNode, bool) {
	n, ok := s[code]
	return n, ok
}

type LastmileStatusMapping struct {
	ID               uint64    `json:"id"`
	Description      string    `json:"description"`
	SubStatus        string    `json:"sub_status"`
	SystemStatusCode string    `json:"system_status_code" validate:"required"`
	CreatedAt        time.Time `json:"created_at"`
}
