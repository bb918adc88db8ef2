package pgtracking

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS carrier_interfaces (
  id BIGSERIAL PRIMARY KEY,
  interface_name TEXT NOT NULL,
  request_url TEXT NOT NULL,
  auth_params JSONB NULL,
  status_mapping JSONB NOT NULL DEFAULT '[]',
  response_keys JSONB NOT NULL DEFAULT '{}',
  fetch_interval DOUBLE PRECISION NOT NULL DEFAULT 4,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS tracking_nodes (
  status_code TEXT PRIMARY KEY,
  status_description TEXT NOT NULL DEFAULT '',
  default_city TEXT NOT NULL DEFAULT '',
  default_country_code TEXT NOT NULL DEFAULT '',
  default_airport_code TEXT NOT NULL DEFAULT ''
)`,
		`
CREATE TABLE IF NOT EXISTS lastmile_status_mappings (
  id BIGSERIAL PRIMARY KEY,
  description TEXT NOT NULL DEFAULT '',
  sub_status TEXT NOT NULL DEFAULT '',
  system_status_code TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		// Таблица бэк-офиса; здесь создаётся только для автономного запуска и тестов.
		`
CREATE TABLE IF NOT EXISTS shipments (
  id BIGSERIAL PRIMARY KEY,
  order_no TEXT NOT NULL,
  transfer_no TEXT NOT NULL DEFAULT '',
  carrier_interface_id BIGINT NULL,
  import_time TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_interface ON shipments(carrier_interface_id)`,
		`
CREATE TABLE IF NOT EXISTS tracking_records (
  shipment_id BIGINT PRIMARY KEY,
  order_no TEXT NOT NULL,
  transfer_no TEXT NOT NULL DEFAULT '',
  carrier_interface_id BIGINT NULL,

  description TEXT NOT NULL DEFAULT '',
  status_code TEXT NOT NULL DEFAULT '',
  raw_status TEXT NOT NULL DEFAULT '',
  tracking_time TIMESTAMPTZ NULL,
  raw_response TEXT NULL,
  headhaul_fetched_at TIMESTAMPTZ NULL,
  headhaul_error TEXT NULL,

  lastmile_no TEXT NOT NULL DEFAULT '',
  register_response TEXT NULL,
  registered_at TIMESTAMPTZ NULL,
  query_after TIMESTAMPTZ NULL,
  lastmile_response TEXT NULL,
  lastmile_fetched_at TIMESTAMPTZ NULL,
  lastmile_error TEXT NULL,

  push_events JSONB NOT NULL DEFAULT '[]',
  last_push_time TIMESTAMPTZ NULL,
  push_response TEXT NULL,
  suppressed_events JSONB NOT NULL DEFAULT '[]',

  stop_tracking BOOLEAN NOT NULL DEFAULT FALSE,
  stop_reason TEXT NULL,
  stop_time TIMESTAMPTZ NULL,

  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`ALTER TABLE tracking_records ADD COLUMN IF NOT EXISTS suppressed_events JSONB NOT NULL DEFAULT '[]'`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_records_active ON tracking_records(carrier_interface_id, headhaul_fetched_at) WHERE NOT stop_tracking`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_records_lastmile ON tracking_records(query_after) WHERE NOT stop_tracking AND lastmile_no <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_records_order_no ON tracking_records(order_no)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
