package pgtracking

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BearBump/TrailBox/internal/models"
	"github.com/BearBump/TrailBox/internal/resilience"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

func recordColumnsOf(t string) string {
	return strings.NewReplacer("$t", t).Replace(`
  $t.shipment_id, $t.order_no, $t.transfer_no, COALESCE($t.carrier_interface_id, 0),
  $t.description, $t.status_code, $t.raw_status, $t.tracking_time, $t.raw_response,
  $t.headhaul_fetched_at, $t.headhaul_error,
  $t.lastmile_no, $t.register_response, $t.registered_at, $t.query_after,
  $t.lastmile_response, $t.lastmile_fetched_at, $t.lastmile_error,
  $t.push_events, $t.last_push_time, $t.push_response, $t.suppressed_events,
  $t.stop_tracking, $t.stop_reason, $t.stop_time,
  $t.created_at, $t.updated_at`)
}

var recordColumns = recordColumnsOf("tracking_records")

func scanRecord(row pgx.Row) (*models.TrackingRecord, error) {
	var r models.TrackingRecord
	var events, suppressed []byte
	if err := row.Scan(
		&r.ShipmentID, &r.OrderNo, &r.TransferNo, &r.CarrierInterfaceID,
		&r.Description, &r.StatusCode, &r.RawStatus, &r.TrackingTime, &r.RawResponse, &r.HeadhaulFetchedAt, &r.HeadhaulError,
		&r.LastmileNo, &r.RegisterResponse, &r.RegisteredAt, &r.QueryAfter, &r.LastmileResponse, &r.LastmileFetchedAt, &r.LastmileError,
		&events, &r.LastPushTime, &r.PushResponse, &suppressed,
		&r.StopTracking, &r.StopReason, &r.StopTime,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.PushEvents = []models.PushEvent{}
	if len(events) > 0 {
		if err := json.Unmarshal(events, &r.PushEvents); err != nil {
			return nil, errors.Wrap(err, "decode push_events")
		}
	}
	if len(suppressed) > 0 {
		if err := json.Unmarshal(suppressed, &r.Suppressed); err != nil {
			return nil, errors.Wrap(err, "decode suppressed_events")
		}
	}
	return &r, nil
}

func scanRecords(rows pgx.Rows) ([]*models.TrackingRecord, error) {
	defer rows.Close()
	var out []*models.TrackingRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan record")
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// isLockContention: ошибки, после которых имеет смысл повторить транзакцию.
func isLockContention(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40001", "40P01":
			return true
		}
	}
	return false
}

// UpdateRecord is the per-shipment exclusive update: it creates the record
// from the shipment when missing, locks the row, applies fn and saves the
// result in one transaction. Lock contention is retried with backoff; when
// retries are exhausted ErrMergeConflict is returned. An error from fn aborts
// the update. A stopped record is never resumed here.
func (s *Storage) UpdateRecord(ctx context.Context, shipmentID uint64, fn func(rec *models.TrackingRecord) error) (*models.TrackingRecord, error) {
	var out *models.TrackingRecord
	err := resilience.Retry(ctx, s.retry, isLockContention, func() error {
		rec, err := s.updateOnce(ctx, shipmentID, fn)
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		if isLockContention(err) {
			return nil, errors.Wrap(models.ErrMergeConflict, err.Error())
		}
		return nil, err
	}
	return out, nil
}

func (s *Storage) updateOnce(ctx context.Context, shipmentID uint64, fn func(rec *models.TrackingRecord) error) (*models.TrackingRecord, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SET LOCAL lock_timeout = '3s'`); err != nil {
		return nil, errors.Wrap(err, "set lock_timeout")
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
INSERT INTO tracking_records (shipment_id, order_no, transfer_no, carrier_interface_id, created_at, updated_at)
SELECT id, order_no, transfer_no, carrier_interface_id, $2, $2
FROM shipments
WHERE id = $1
ON CONFLICT (shipment_id) DO NOTHING
`, shipmentID, now)
	if err != nil {
		return nil, errors.Wrap(err, "ensure record")
	}

	rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM tracking_records WHERE shipment_id = $1 FOR UPDATE`, shipmentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Wrapf(models.ErrNotFound, "shipment %d", shipmentID)
		}
		return nil, errors.Wrap(err, "lock record")
	}

	if err := fn(rec); err != nil {
		return nil, err
	}
	if err := saveRecord(ctx, tx, rec); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return rec, nil
}

func saveRecord(ctx context.Context, tx pgx.Tx, r *models.TrackingRecord) error {
	if r.PushEvents == nil {
		r.PushEvents = []models.PushEvent{}
	}
	events, err := json.Marshal(r.PushEvents)
	if err != nil {
		return errors.Wrap(err, "encode push_events")
	}
	if r.Suppressed == nil {
		r.Suppressed = []models.SuppressedEvent{}
	}
	suppressed, err := json.Marshal(r.Suppressed)
	if err != nil {
		return errors.Wrap(err, "encode suppressed_events")
	}
	_, err = tx.Exec(ctx, `
UPDATE tracking_records SET
  order_no = $2, transfer_no = $3, carrier_interface_id = $4,
  description = $5, status_code = $6, raw_status = $7, tracking_time = $8,
  raw_response = $9, headhaul_fetched_at = $10, headhaul_error = $11,
  lastmile_no = $12, register_response = $13, registered_at = $14, query_after = $15,
  lastmile_response = $16, lastmile_fetched_at = $17, lastmile_error = $18,
  push_events = $19, last_push_time = $20, push_response = $21,
  stop_tracking = tracking_records.stop_tracking OR $22,
  stop_reason = COALESCE(tracking_records.stop_reason, $23),
  stop_time = COALESCE(tracking_records.stop_time, $24),
  updated_at = $25, suppressed_events = $26
WHERE shipment_id = $1
`,
		r.ShipmentID, r.OrderNo, r.TransferNo, r.CarrierInterfaceID,
		r.Description, r.StatusCode, r.RawStatus, r.TrackingTime,
		r.RawResponse, r.HeadhaulFetchedAt, r.HeadhaulError,
		r.LastmileNo, r.RegisterResponse, r.RegisteredAt, r.QueryAfter,
		r.LastmileResponse, r.LastmileFetchedAt, r.LastmileError,
		events, r.LastPushTime, r.PushResponse,
		r.StopTracking, r.StopReason, r.StopTime,
		r.UpdatedAt, suppressed,
	)
	return errors.Wrap(err, "save record")
}

// ReadLocked reads a record under a shared row lock, so it waits for an
// in-flight merge of the same shipment.
func (s *Storage) ReadLocked(ctx context.Context, shipmentID uint64) (*models.TrackingRecord, error) {
	var out *models.TrackingRecord
	err := resilience.Retry(ctx, s.retry, isLockContention, func() error {
		tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return errors.Wrap(err, "begin tx")
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx, `SET LOCAL lock_timeout = '3s'`); err != nil {
			return errors.Wrap(err, "set lock_timeout")
		}
		rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM tracking_records WHERE shipment_id = $1 FOR SHARE`, shipmentID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errors.Wrapf(models.ErrNotFound, "record %d", shipmentID)
			}
			return errors.Wrap(err, "read record")
		}
		out = rec
		return tx.Commit(ctx)
	})
	if err != nil && isLockContention(err) {
		return nil, errors.Wrap(models.ErrMergeConflict, err.Error())
	}
	return out, err
}

func (s *Storage) GetRecord(ctx context.Context, shipmentID uint64) (*models.TrackingRecord, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM tracking_records WHERE shipment_id = $1`, shipmentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Wrapf(models.ErrNotFound, "record %d", shipmentID)
		}
		return nil, errors.Wrap(err, "select record")
	}
	return rec, nil
}

func (s *Storage) GetRecordsByIDs(ctx context.Context, ids []uint64) ([]*models.TrackingRecord, error) {
	if len(ids) == 0 {
		return []*models.TrackingRecord{}, nil
	}
	rows, err := s.db.Query(ctx, `SELECT `+recordColumns+` FROM tracking_records WHERE shipment_id = ANY($1)`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "select records")
	}
	return scanRecords(rows)
}

func (s *Storage) ListRecords(ctx context.Context, f models.RecordFilter) ([]*models.TrackingRecord, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.StopTracking != nil {
		add("stop_tracking = $%d", *f.StopTracking)
	}
	if f.CarrierInterfaceID != 0 {
		add("carrier_interface_id = $%d", f.CarrierInterfaceID)
	}
	if f.OrderNo != "" {
		add("order_no = $%d", f.OrderNo)
	}

	q := `SELECT ` + recordColumns + ` FROM tracking_records`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	q += fmt.Sprintf(` ORDER BY shipment_id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list records")
	}
	return scanRecords(rows)
}

// ResumeRecord is the administrative reset of stop_tracking.
func (s *Storage) ResumeRecord(ctx context.Context, shipmentID uint64, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE tracking_records
SET stop_tracking = FALSE, stop_reason = NULL, stop_time = NULL, updated_at = $2
WHERE shipment_id = $1
`, shipmentID, now.UTC())
	if err != nil {
		return errors.Wrap(err, "resume record")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(models.ErrNotFound, "record %d", shipmentID)
	}
	return nil
}

// InsertStoppedRecords stores records built for expired shipments that were
// never polled. Existing records are left untouched.
func (s *Storage) InsertStoppedRecords(ctx context.Context, recs []*models.TrackingRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(`
INSERT INTO tracking_records (
  shipment_id, order_no, transfer_no, carrier_interface_id,
  push_events, stop_tracking, stop_reason, stop_time, created_at, updated_at
)
VALUES ($1,$2,$3,$4,'[]',TRUE,$5,$6,$7,$7)
ON CONFLICT (shipment_id) DO NOTHING
`, r.ShipmentID, r.OrderNo, r.TransferNo, r.CarrierInterfaceID, r.StopReason, r.StopTime, r.CreatedAt)
	}

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range recs {
		tag, err := br.Exec()
		if err != nil {
			return inserted, errors.Wrap(err, "insert stopped record")
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ListPushCandidates returns records whose timeline changed since the last
// push. Explicit ids bypass that check.
func (s *Storage) ListPushCandidates(ctx context.Context, ids []uint64, limit int) ([]uint64, error) {
	if limit <= 0 {
		limit = 1000
	}
	var rows pgx.Rows
	var err error
	if len(ids) > 0 {
		rows, err = s.db.Query(ctx, `
SELECT shipment_id FROM tracking_records
WHERE shipment_id = ANY($1) AND jsonb_array_length(push_events) > 0
ORDER BY shipment_id
LIMIT $2
`, ids, limit)
	} else {
		rows, err = s.db.Query(ctx, `
SELECT shipment_id FROM tracking_records
WHERE jsonb_array_length(push_events) > 0
  AND (last_push_time IS NULL OR updated_at > last_push_time)
ORDER BY shipment_id
LIMIT $1
`, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select push candidates")
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan push candidate")
		}
		out = append(out, id)
	}
	return out, errors.Wrap(rows.Err(), "rows")
}

// MarkPushed records a successful push for all shipments of the batch in one
// transaction. updated_at is left alone so staleness keeps its meaning.
func (s *Storage) MarkPushed(ctx context.Context, ids []uint64, at time.Time, raw string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
UPDATE tracking_records SET last_push_time = $2, push_response = $3
WHERE shipment_id = ANY($1)
`, ids, at.UTC(), raw); err != nil {
		return errors.Wrap(err, "mark pushed")
	}
	return errors.Wrap(tx.Commit(ctx), "commit tx")
}
