package pgtracking

import (
	"context"
	"fmt"
	"time"

	"github.com/BearBump/TrailBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func scanShipments(rows pgx.Rows) ([]models.Shipment, error) {
	defer rows.Close()
	var out []models.Shipment
	for rows.Next() {
		var sh models.Shipment
		if err := rows.Scan(&sh.ID, &sh.OrderNo, &sh.TransferNo, &sh.CarrierInterfaceID, &sh.ImportTime); err != nil {
			return nil, errors.Wrap(err, "scan shipment")
		}
		out = append(out, sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ListDueHeadhaul выбирает отправки интерфейса, которые пора опросить:
// записи нет или интервал истёк, не остановлены, есть transfer_no.
// Явные ids игнорируют интервал.
func (s *Storage) ListDueHeadhaul(ctx context.Context, interfaceID uint64, dueBefore time.Time, ids []uint64, limit int) ([]models.Shipment, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows pgx.Rows
	var err error
	if len(ids) > 0 {
		rows, err = s.db.Query(ctx, `
SELECT s.id, s.order_no, s.transfer_no, COALESCE(s.carrier_interface_id, 0), s.import_time
FROM shipments s
LEFT JOIN tracking_records r ON r.shipment_id = s.id
WHERE s.carrier_interface_id = $1
  AND s.transfer_no <> ''
  AND COALESCE(r.stop_tracking, FALSE) = FALSE
  AND s.id = ANY($2)
ORDER BY s.id
LIMIT $3
`, interfaceID, ids, limit)
	} else {
		rows, err = s.db.Query(ctx, `
SELECT s.id, s.order_no, s.transfer_no, COALESCE(s.carrier_interface_id, 0), s.import_time
FROM shipments s
LEFT JOIN tracking_records r ON r.shipment_id = s.id
WHERE s.carrier_interface_id = $1
  AND s.transfer_no <> ''
  AND COALESCE(r.stop_tracking, FALSE) = FALSE
  AND (r.headhaul_fetched_at IS NULL OR r.headhaul_fetched_at <= $2)
ORDER BY r.headhaul_fetched_at ASC NULLS FIRST, s.id
LIMIT $3
`, interfaceID, dueBefore.UTC(), limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select due shipments")
	}
	return scanShipments(rows)
}

// ListUntrackedImportedBefore returns shipments without a record imported
// before the given time.
func (s *Storage) ListUntrackedImportedBefore(ctx context.Context, before time.Time, limit int) ([]models.Shipment, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(ctx, `
SELECT s.id, s.order_no, s.transfer_no, COALESCE(s.carrier_interface_id, 0), s.import_time
FROM shipments s
WHERE s.import_time < $1
  AND NOT EXISTS (SELECT 1 FROM tracking_records r WHERE r.shipment_id = s.id)
ORDER BY s.id
LIMIT $2
`, before.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select untracked shipments")
	}
	return scanShipments(rows)
}

// ListActiveTracked pages through active records with their shipments,
// ordered by shipment id.
func (s *Storage) ListActiveTracked(ctx context.Context, afterID uint64, ids []uint64, limit int) ([]models.TrackedShipment, error) {
	if limit <= 0 {
		limit = 500
	}
	q := `
SELECT s.import_time, ` + recordColumnsOf("r") + `
FROM tracking_records r
LEFT JOIN shipments s ON s.id = r.shipment_id
WHERE NOT r.stop_tracking AND r.shipment_id > $1`
	args := []any{afterID, limit}
	if len(ids) > 0 {
		q += ` AND r.shipment_id = ANY($3)`
		args = append(args, ids)
	}
	q += ` ORDER BY r.shipment_id LIMIT $2`

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select active records")
	}
	defer rows.Close()

	var out []models.TrackedShipment
	for rows.Next() {
		var importTime *time.Time
		rec, err := scanRecord(prependScan{row: rows, first: &importTime})
		if err != nil {
			return nil, errors.Wrap(err, "scan active record")
		}
		sh := models.Shipment{
			ID:                 rec.ShipmentID,
			OrderNo:            rec.OrderNo,
			TransferNo:         rec.TransferNo,
			CarrierInterfaceID: rec.CarrierInterfaceID,
		}
		if importTime != nil {
			sh.ImportTime = *importTime
		}
		out = append(out, models.TrackedShipment{Shipment: sh, Record: rec})
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ListLastmileRegister: записи с номером последней мили без регистрации.
func (s *Storage) ListLastmileRegister(ctx context.Context, ids []uint64, limit int) ([]models.LastmileTarget, error) {
	q := `
SELECT r.shipment_id, r.order_no, r.lastmile_no, s.import_time
FROM tracking_records r
LEFT JOIN shipments s ON s.id = r.shipment_id
WHERE NOT r.stop_tracking AND r.lastmile_no <> '' AND r.register_response IS NULL`
	return s.listLastmile(ctx, q, nil, ids, limit)
}

// ListLastmileQuery: зарегистрированные записи, у которых прошла пауза после
// регистрации и истёк интервал запроса.
func (s *Storage) ListLastmileQuery(ctx context.Context, now, fetchedBefore time.Time, ids []uint64, limit int) ([]models.LastmileTarget, error) {
	q := `
SELECT r.shipment_id, r.order_no, r.lastmile_no, s.import_time
FROM tracking_records r
LEFT JOIN shipments s ON s.id = r.shipment_id
WHERE NOT r.stop_tracking AND r.lastmile_no <> '' AND r.register_response IS NOT NULL
  AND r.query_after <= $1`
	args := []any{now.UTC()}
	if len(ids) == 0 {
		q += ` AND (r.lastmile_fetched_at IS NULL OR r.lastmile_fetched_at <= $2)`
		args = append(args, fetchedBefore.UTC())
	}
	return s.listLastmile(ctx, q, args, ids, limit)
}

func (s *Storage) listLastmile(ctx context.Context, q string, args []any, ids []uint64, limit int) ([]models.LastmileTarget, error) {
	if limit <= 0 {
		limit = 400
	}
	if len(ids) > 0 {
		args = append(args, ids)
		q += fmt.Sprintf(` AND r.shipment_id = ANY($%d)`, len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY r.shipment_id LIMIT $%d`, len(args))

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select lastmile targets")
	}
	defer rows.Close()

	var out []models.LastmileTarget
	for rows.Next() {
		var t models.LastmileTarget
		var importTime *time.Time
		if err := rows.Scan(&t.ShipmentID, &t.OrderNo, &t.LastmileNo, &importTime); err != nil {
			return nil, errors.Wrap(err, "scan lastmile target")
		}
		if importTime != nil {
			t.ImportTime = *importTime
		}
		out = append(out, t)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
