package pgtracking

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/TrailBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const interfaceColumns = `id, interface_name, request_url, auth_params, status_mapping, response_keys, fetch_interval, created_at, updated_at`

func scanInterface(row pgx.Row) (*models.CarrierInterface, error) {
	var c models.CarrierInterface
	var auth, mapping, keys []byte
	if err := row.Scan(&c.ID, &c.Name, &c.RequestURL, &auth, &mapping, &keys, &c.FetchIntervalHours, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if len(auth) > 0 {
		c.AuthParams = json.RawMessage(auth)
	}
	if len(mapping) > 0 {
		if err := json.Unmarshal(mapping, &c.StatusMapping); err != nil {
			return nil, errors.Wrapf(models.ErrConfiguration, "interface %d: malformed status_mapping", c.ID)
		}
	}
	if len(keys) > 0 {
		if err := json.Unmarshal(keys, &c.ResponseKeys); err != nil {
			return nil, errors.Wrapf(models.ErrConfiguration, "interface %d: malformed response_keys", c.ID)
		}
	}
	return &c, nil
}

func interfaceArgs(c *models.CarrierInterface) ([]byte, []byte, []byte, error) {
	var auth []byte
	if len(c.AuthParams) > 0 {
		auth = c.AuthParams
	}
	mapping := c.StatusMapping
	if mapping == nil {
		mapping = []models.StatusRule{}
	}
	m, err := json.Marshal(mapping)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "encode status_mapping")
	}
	k, err := json.Marshal(c.ResponseKeys)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "encode response_keys")
	}
	return auth, m, k, nil
}

func (s *Storage) ListCarrierInterfaces(ctx context.Context) ([]*models.CarrierInterface, error) {
	rows, err := s.db.Query(ctx, `SELECT `+interfaceColumns+` FROM carrier_interfaces ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "select interfaces")
	}
	defer rows.Close()

	var out []*models.CarrierInterface
	for rows.Next() {
		c, err := scanInterface(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan interface")
		}
		out = append(out, c)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) GetCarrierInterface(ctx context.Context, id uint64) (*models.CarrierInterface, error) {
	c, err := scanInterface(s.db.QueryRow(ctx, `SELECT `+interfaceColumns+` FROM carrier_interfaces WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Wrapf(models.ErrNotFound, "carrier interface %d", id)
		}
		return nil, errors.Wrap(err, "select interface")
	}
	return c, nil
}

func (s *Storage) CreateCarrierInterface(ctx context.Context, c *models.CarrierInterface) (*models.CarrierInterface, error) {
	auth, mapping, keys, err := interfaceArgs(c)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out, err := scanInterface(s.db.QueryRow(ctx, `
INSERT INTO carrier_interfaces (interface_name, request_url, auth_params, status_mapping, response_keys, fetch_interval, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
RETURNING `+interfaceColumns, c.Name, c.RequestURL, auth, mapping, keys, c.FetchIntervalHours, now))
	return out, errors.Wrap(err, "insert interface")
}

func (s *Storage) UpdateCarrierInterface(ctx context.Context, c *models.CarrierInterface) (*models.CarrierInterface, error) {
	auth, mapping, keys, err := interfaceArgs(c)
	if err != nil {
		return nil, err
	}
	out, err := scanInterface(s.db.QueryRow(ctx, `
UPDATE carrier_interfaces
SET interface_name = $2, request_url = $3, auth_params = $4, status_mapping = $5,
    response_keys = $6, fetch_interval = $7, updated_at = $8
WHERE id = $1
RETURNING `+interfaceColumns, c.ID, c.Name, c.RequestURL, auth, mapping, keys, c.FetchIntervalHours, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Wrapf(models.ErrNotFound, "carrier interface %d", c.ID)
		}
		return nil, errors.Wrap(err, "update interface")
	}
	return out, nil
}

func (s *Storage) DeleteCarrierInterface(ctx context.Context, id uint64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM carrier_interfaces WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete interface")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(models.ErrNotFound, "carrier interface %d", id)
	}
	return nil
}

func (s *Storage) ListNodes(ctx context.Context) ([]models.CanonicalStatusNode, error) {
	rows, err := s.db.Query(ctx, `
SELECT status_code, status_description, default_city, default_country_code, default_airport_code
FROM tracking_nodes
ORDER BY status_code
`)
	if err != nil {
		return nil, errors.Wrap(err, "select nodes")
	}
	defer rows.Close()

	var out []models.CanonicalStatusNode
	for rows.Next() {
		var n models.CanonicalStatusNode
		if err := rows.Scan(&n.StatusCode, &n.StatusDescription, &n.DefaultCity, &n.DefaultCountryCode, &n.DefaultAirportCode); err != nil {
			return nil, errors.Wrap(err, "scan node")
		}
		out = append(out, n)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) UpsertNode(ctx context.Context, n models.CanonicalStatusNode) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO tracking_nodes (status_code, status_description, default_city, default_country_code, default_airport_code)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (status_code) DO UPDATE SET
  status_description = EXCLUDED.status_description,
  default_city = EXCLUDED.default_city,
  default_country_code = EXCLUDED.default_country_code,
  default_airport_code = EXCLUDED.default_airport_code
`, n.StatusCode, n.StatusDescription, n.DefaultCity, n.DefaultCountryCode, n.DefaultAirportCode)
	return errors.Wrap(err, "upsert node")
}

func (s *Storage) DeleteNode(ctx context.Context, code string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM tracking_nodes WHERE status_code = $1`, code)
	if err != nil {
		return errors.Wrap(err, "delete node")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(models.ErrNotFound, "node %s", code)
	}
	return nil
}

// ListLastmileMappings returns mappings in precedence order (by id).
func (s *Storage) ListLastmileMappings(ctx context.Context) ([]models.LastmileStatusMapping, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, description, sub_status, system_status_code, created_at
FROM lastmile_status_mappings
ORDER BY id
`)
	if err != nil {
		return nil, errors.Wrap(err, "select lastmile mappings")
	}
	defer rows.Close()

	var out []models.LastmileStatusMapping
	for rows.Next() {
		var m models.LastmileStatusMapping
		if err := rows.Scan(&m.ID, &m.Description, &m.SubStatus, &m.SystemStatusCode, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan lastmile mapping")
		}
		out = append(out, m)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) CreateLastmileMapping(ctx context.Context, m models.LastmileStatusMapping) (models.LastmileStatusMapping, error) {
	m.CreatedAt = time.Now().UTC()
	err := s.db.QueryRow(ctx, `
INSERT INTO lastmile_status_mappings (description, sub_status, system_status_code, created_at)
VALUES ($1,$2,$3,$4)
RETURNING id
`, m.Description, m.SubStatus, m.SystemStatusCode, m.CreatedAt).Scan(&m.ID)
	return m, errors.Wrap(err, "insert lastmile mapping")
}

func (s *Storage) UpdateLastmileMapping(ctx context.Context, m models.LastmileStatusMapping) error {
	tag, err := s.db.Exec(ctx, `
UPDATE lastmile_status_mappings SET description = $2, sub_status = $3, system_status_code = $4
WHERE id = $1
`, m.ID, m.Description, m.SubStatus, m.SystemStatusCode)
	if err != nil {
		return errors.Wrap(err, "update lastmile mapping")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(models.ErrNotFound, "lastmile mapping %d", m.ID)
	}
	return nil
}

func (s *Storage) DeleteLastmileMapping(ctx context.Context, id uint64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM lastmile_status_mappings WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete lastmile mapping")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(models.ErrNotFound, "lastmile mapping %d", id)
	}
	return nil
}
