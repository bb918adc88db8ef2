package trackings_api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/BearBump/TrailBox/internal/models"
	"github.com/BearBump/TrailBox/internal/services/trackings"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

const maxBody = 1 << 20

type TrackingsAPI struct {
	svc *trackings.Service
}

func New(svc *trackings.Service) *TrackingsAPI {
	return &TrackingsAPI{svc: svc}
}

// Routes mounts the REST API on r.
func (a *TrackingsAPI) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Get("/shipments/status", a.getStatuses)
		r.Get("/shipments/{id}/status", a.getStatus)

		r.Get("/trackings", a.listRecords)
		r.Route("/trackings/{id}", func(r chi.Router) {
			r.Get("/", a.getRecord)
			r.Get("/push-events", a.getPushEvents)
			r.Put("/push-events", a.replacePushEvents)
			r.Delete("/push-events", a.removePushEvent)
			r.Put("/lastmile-no", a.setLastmileNo)
			r.Post("/resume", a.resume)
		})

		r.Route("/carrier-interfaces", func(r chi.Router) {
			r.Get("/", a.listInterfaces)
			r.Post("/", a.createInterface)
			r.Get("/{id}", a.getInterface)
			r.Put("/{id}", a.updateInterface)
			r.Delete("/{id}", a.deleteInterface)
		})

		r.Route("/tracking-nodes", func(r chi.Router) {
			r.Get("/", a.listNodes)
			r.Put("/{code}", a.upsertNode)
			r.Delete("/{code}", a.deleteNode)
		})

		r.Route("/lastmile-status-mappings", func(r chi.Router) {
			r.Get("/", a.listMappings)
			r.Post("/", a.createMapping)
			r.Put("/{id}", a.updateMapping)
			r.Delete("/{id}", a.deleteMapping)
		})
	})
}

func (a *TrackingsAPI) getStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	st, err := a.svc.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *TrackingsAPI) getStatuses(w http.ResponseWriter, r *http.Request) {
	ids, err := parseIDs(r.URL.Query().Get("ids"))
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := a.svc.GetStatuses(r.Context(), ids)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"statuses": out})
}

func (a *TrackingsAPI) listRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f models.RecordFilter
	var err error
	if v := q.Get("stop_tracking"); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			writeError(w, errors.Wrap(models.ErrInvalidInput, "stop_tracking must be a boolean"))
			return
		}
		f.StopTracking = &b
	}
	if f.CarrierInterfaceID, err = queryUint(q.Get("interface_id")); err != nil {
		writeError(w, err)
		return
	}
	if f.Limit, err = queryInt(q.Get("limit")); err != nil {
		writeError(w, err)
		return
	}
	if f.Offset, err = queryInt(q.Get("offset")); err != nil {
		writeError(w, err)
		return
	}
	f.OrderNo = strings.TrimSpace(q.Get("order_no"))

	recs, err := a.svc.ListRecords(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*models.TrackingRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trackings": recs})
}

func (a *TrackingsAPI) getRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := a.svc.GetRecord(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *TrackingsAPI) getPushEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	evs, err := a.svc.GetPushEvents(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"push_events": nonNil(evs)})
}

type replaceEventsRequest struct {
	Events []models.PushEvent `json:"events"`
}

func (a *TrackingsAPI) replacePushEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req replaceEventsRequest
	if !decode(w, r, &req) {
		return
	}
	evs, err := a.svc.ReplaceManualEvents(r.Context(), id, req.Events)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"push_events": nonNil(evs)})
}

func (a *TrackingsAPI) removePushEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	at, err := models.ParseTrackingTime(q.Get("time"))
	if err != nil {
		writeError(w, errors.Wrap(models.ErrInvalidInput, err.Error()))
		return
	}
	if err := a.svc.RemovePushEvent(r.Context(), id, at, q.Get("code")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type lastmileNoRequest struct {
	LastmileNo string `json:"lastmile_no"`
}

func (a *TrackingsAPI) setLastmileNo(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req lastmileNoRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := a.svc.SetLastmileNo(r.Context(), id, req.LastmileNo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *TrackingsAPI) resume(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.svc.Resume(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resumed": true})
}

func (a *TrackingsAPI) listInterfaces(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.ListCarrierInterfaces(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"carrier_interfaces": nonNil(out)})
}

func (a *TrackingsAPI) getInterface(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := a.svc.GetCarrierInterface(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *TrackingsAPI) createInterface(w http.ResponseWriter, r *http.Request) {
	var c models.CarrierInterface
	if !decode(w, r, &c) {
		return
	}
	out, err := a.svc.CreateCarrierInterface(r.Context(), &c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (a *TrackingsAPI) updateInterface(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var c models.CarrierInterface
	if !decode(w, r, &c) {
		return
	}
	out, err := a.svc.UpdateCarrierInterface(r.Context(), id, &c)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *TrackingsAPI) deleteInterface(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.svc.DeleteCarrierInterface(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *TrackingsAPI) listNodes(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.ListNodes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tracking_nodes": nonNil(out)})
}

func (a *TrackingsAPI) upsertNode(w http.ResponseWriter, r *http.Request) {
	var n models.CanonicalStatusNode
	if !decode(w, r, &n) {
		return
	}
	n.StatusCode = chi.URLParam(r, "code")
	if err := a.svc.UpsertNode(r.Context(), n); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (a *TrackingsAPI) deleteNode(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeleteNode(r.Context(), chi.URLParam(r, "code")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *TrackingsAPI) listMappings(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.ListLastmileMappings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lastmile_status_mappings": nonNil(out)})
}

func (a *TrackingsAPI) createMapping(w http.ResponseWriter, r *http.Request) {
	var m models.LastmileStatusMapping
	if !decode(w, r, &m) {
		return
	}
	out, err := a.svc.CreateLastmileMapping(r.Context(), m)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (a *TrackingsAPI) updateMapping(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var m models.LastmileStatusMapping
	if !decode(w, r, &m) {
		return
	}
	if err := a.svc.UpdateLastmileMapping(r.Context(), id, m); err != nil {
		writeError(w, err)
		return
	}
	m.ID = id
	writeJSON(w, http.StatusOK, m)
}

func (a *TrackingsAPI) deleteMapping(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.svc.DeleteLastmileMapping(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, errors.Wrap(models.ErrInvalidInput, "id must be a positive integer"))
		return 0, false
	}
	return id, true
}

func parseIDs(s string) ([]uint64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, errors.Wrap(models.ErrInvalidInput, "ids is required")
	}
	parts := strings.Split(s, ",")
	out := make([]uint64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(models.ErrInvalidInput, "bad id %q", p)
		}
		out = append(out, id)
	}
	return out, nil
}

func queryUint(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(models.ErrInvalidInput, "bad number %q", s)
	}
	return v, nil
}

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(models.ErrInvalidInput, "bad number %q", s)
	}
	return v, nil
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(dst); err != nil {
		writeError(w, errors.Wrap(models.ErrInvalidInput, "bad json: "+err.Error()))
		return false
	}
	return true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrMergeConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		slog.Error("api request failed", "error", err.Error())
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
