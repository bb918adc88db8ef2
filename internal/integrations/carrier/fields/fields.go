// Package fields extracts configured fields from carrier payloads.
// Keys from response_keys are JMESPath expressions; a plain field name is the
// common case.
package fields

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/TrailBox/internal/models"
	"github.com/jmespath/go-jmespath"
	"github.com/pkg/errors"
)

type Evaluator struct {
	cache map[string]*jmespath.JMESPath
	mu    sync.RWMutex
}

func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]*jmespath.JMESPath)}
}

// Search evaluates expr against data. Keys that are not valid expressions
// (e.g. containing '-' or non-ASCII) are looked up as quoted identifiers.
func (e *Evaluator) Search(expr string, data any) (any, error) {
	compiled, err := e.getOrCompile(expr)
	if err != nil {
		return nil, err
	}
	res, err := compiled.Search(data)
	if err != nil {
		return nil, errors.Wrapf(err, "search %q", expr)
	}
	return res, nil
}

// Validate checks a key before it is stored in a carrier interface.
func (e *Evaluator) Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := e.getOrCompile(expr)
	return err
}

func (e *Evaluator) getOrCompile(expr string) (*jmespath.JMESPath, error) {
	e.mu.RLock()
	c, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return c, nil
	}

	c, err := jmespath.Compile(expr)
	if err != nil {
		c, err = jmespath.Compile(strconv.Quote(expr))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid field expression %q", expr)
		}
	}

	e.mu.Lock()
	e.cache[expr] = c
	e.mu.Unlock()
	return c, nil
}

// String returns the value at expr rendered as text. Missing or null values
// are reported as absent.
func (e *Evaluator) String(expr string, data any) (string, bool) {
	if expr == "" {
		return "", false
	}
	v, err := e.Search(expr, data)
	if err != nil || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return fmt.Sprintf("%v", t), true
	}
}

// Time reads an event time: epoch milliseconds (or seconds) as a number or
// digit string, otherwise a textual timestamp.
func (e *Evaluator) Time(expr string, data any) (time.Time, bool) {
	if expr == "" {
		return time.Time{}, false
	}
	v, err := e.Search(expr, data)
	if err != nil || v == nil {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case float64:
		return epoch(t)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epoch(f)
		}
		ts, err := models.ParseTrackingTime(s)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	}
	return time.Time{}, false
}

func epoch(v float64) (time.Time, bool) {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}, false
	}
	// до 1e11 считаем секундами
	if v < 1e11 {
		return models.NormalizeTrackingTime(time.Unix(int64(v), 0)), true
	}
	return models.NormalizeTrackingTime(time.UnixMilli(int64(v))), true
}

// Event extracts one carrier event using the configured keys.
func (e *Evaluator) Event(item any, keys models.ResponseKeys) models.RawEvent {
	var ev models.RawEvent
	ev.Status, _ = e.String(keys.StatusKey, item)
	ev.Description, _ = e.String(keys.DescriptionKey, item)
	ev.Time, _ = e.Time(keys.TimeKey, item)
	if s, ok := e.String(keys.CityKey, item); ok {
		ev.City = models.Some(s)
	}
	if s, ok := e.String(keys.CountryKey, item); ok {
		ev.Country = models.Some(s)
	}
	return ev
}
