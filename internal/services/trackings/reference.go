package trackings

import (
	"context"
	"strings"

	"github.com/BearBump/TrailBox/internal/models"
	"github.com/pkg/errors"
)

func (s *Service) ListCarrierInterfaces(ctx context.Context) ([]*models.CarrierInterface, error) {
	return s.repo.ListCarrierInterfaces(ctx)
}

func (s *Service) GetCarrierInterface(ctx context.Context, id uint64) (*models.CarrierInterface, error) {
	return s.repo.GetCarrierInterface(ctx, id)
}

func (s *Service) CreateCarrierInterface(ctx context.Context, c *models.CarrierInterface) (*models.CarrierInterface, error) {
	if err := s.checkInterface(c); err != nil {
		return nil, err
	}
	return s.repo.CreateCarrierInterface(ctx, c)
}

func (s *Service) UpdateCarrierInterface(ctx context.Context, id uint64, c *models.CarrierInterface) (*models.CarrierInterface, error) {
	if id == 0 {
		return nil, errors.Wrap(models.ErrInvalidInput, "id is required")
	}
	c.ID = id
	if err := s.checkInterface(c); err != nil {
		return nil, err
	}
	return s.repo.UpdateCarrierInterface(ctx, c)
}

func (s *Service) DeleteCarrierInterface(ctx context.Context, id uint64) error {
	return s.repo.DeleteCarrierInterface(ctx, id)
}

// checkInterface validates the struct and every configured response key,
// so a bad expression is rejected here and not during a poll.
func (s *Service) checkInterface(c *models.CarrierInterface) error {
	if c == nil {
		return errors.Wrap(models.ErrInvalidInput, "carrier interface is required")
	}
	c.Name = strings.TrimSpace(c.Name)
	if err := s.validate.Struct(c); err != nil {
		return errors.Wrap(models.ErrInvalidInput, err.Error())
	}
	k := c.ResponseKeys
	for _, expr := range []string{k.TimeKey, k.StatusKey, k.DescriptionKey, k.CityKey, k.CountryKey} {
		if err := s.fields.Validate(expr); err != nil {
			return errors.Wrap(models.ErrInvalidInput, err.Error())
		}
	}
	return nil
}

func (s *Service) ListNodes(ctx context.Context) ([]models.CanonicalStatusNode, error) {
	return s.repo.ListNodes(ctx)
}

func (s *Service) UpsertNode(ctx context.Context, n models.CanonicalStatusNode) error {
	n.StatusCode = strings.TrimSpace(n.StatusCode)
	if err := s.validate.Struct(n); err != nil {
		return errors.Wrap(models.ErrInvalidInput, err.Error())
	}
	return s.repo.UpsertNode(ctx, n)
}

func (s *Service) DeleteNode(ctx context.Context, code string) error {
	if strings.TrimSpace(code) == "" {
		return errors.Wrap(models.ErrInvalidInput, "status_code is required")
	}
	return s.repo.DeleteNode(ctx, code)
}

func (s *Service) ListLastmileMappings(ctx context.Context) ([]models.LastmileStatusMapping, error) {
	return s.repo.ListLastmileMappings(ctx)
}

func (s *Service) CreateLastmileMapping(ctx context.Context, m models.LastmileStatusMapping) (models.LastmileStatusMapping, error) {
	if err := s.checkMapping(m); err != nil {
		return models.LastmileStatusMapping{}, err
	}
	return s.repo.CreateLastmileMapping(ctx, m)
}

func (s *Service) UpdateLastmileMapping(ctx context.Context, id uint64, m models.LastmileStatusMapping) error {
	if id == 0 {
		return errors.Wrap(models.ErrInvalidInput, "id is required")
	}
	m.ID = id
	if err := s.checkMapping(m); err != nil {
		return err
	}
	return s.repo.UpdateLastmileMapping(ctx, m)
}

func (s *Service) DeleteLastmileMapping(ctx context.Context, id uint64) error {
	return s.repo.DeleteLastmileMapping(ctx, id)
}

// Маппинг без описания и без sub_status совпадал бы с любым событием.
func (s *Service) checkMapping(m models.LastmileStatusMapping) error {
	if err := s.validate.Struct(m); err != nil {
		return errors.Wrap(models.ErrInvalidInput, err.Error())
	}
	if strings.TrimSpace(m.Description) == "" && strings.TrimSpace(m.SubStatus) == "" {
		return errors.Wrap(models.ErrInvalidInput, "description or sub_status is required")
	}
	return nil
}
