package services

import (
	"context"
	"strings"

	"questionpool/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type TeamService struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewTeamService(db *gorm.DB, log *zap.Logger) *TeamService {
	return &TeamService{db: db, log: log.With(zap.String("service", "TeamService"))}
}

type TeamRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

func (s *TeamService) List(ctx context.Context, a Actor) ([]models.Team, error) {
	if err := Authorize(a, ResourceTeam, ActionList, Target{}); err != nil {
		return nil, err
	}
	var teams []models.Team
	if err := s.db.WithContext(ctx).Order("name").Find(&teams).Error; err != nil {
		return nil, storeErr("teams", err)
	}
	return teams, nil
}

func (s *TeamService) Get(ctx context.Context, a Actor, id uint) (*models.Team, error) {
	if err := Authorize(a, ResourceTeam, ActionRead, Target{}); err != nil {
		return nil, err
	}
	var team models.Team
	err := s.db.WithContext(ctx).
		Preload("Subjects", func(db *gorm.DB) *gorm.DB { return db.Order("subjects.name") }).
		First(&team, id).Error
	if err != nil {
		return nil, storeErr("team", err)
	}
	return &team, nil
}

func (s *TeamService) Create(ctx context.Context, a Actor, req *TeamRequest) (*models.Team, error) {
	if err := Authorize(a, ResourceTeam, ActionCreate, Target{}); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, Validation("team name is required")
	}
	team := models.Team{Name: name, Description: strings.TrimSpace(req.Description)}
	if err := s.db.WithContext(ctx).Create(&team).Error; err != nil {
		return nil, storeErr("team", err)
	}
	s.log.Info("team created", zap.Uint("team_id", team.ID), zap.String("name", team.Name))
	return &team, nil
}

func (s *TeamService) Update(ctx context.Context, a Actor, id uint, req *TeamRequest) (*models.Team, error) {
	if err := Authorize(a, ResourceTeam, ActionEdit, Target{}); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, Validation("team name is required")
	}
	res := s.db.WithContext(ctx).Model(&models.Team{}).Where("id = ?", id).
		Updates(map[string]interface{}{"name": name, "description": strings.TrimSpace(req.Description)})
	if res.Error != nil {
		return nil, storeErr("team", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, NotFound("team")
	}
	return s.Get(ctx, a, id)
}

// Delete removes a team and its subjects. Teams whose subjects still have
// questions are kept.
func (s *TeamService) Delete(ctx context.Context, a Actor, id uint) error {
	if err := Authorize(a, ResourceTeam, ActionDelete, Target{}); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint
		if err := tx.Model(&models.Subject{}).Where("team_id = ?", id).Pluck("id", &ids).Error; err != nil {
			return storeErr("subjects", err)
		}
		if len(ids) > 0 {
			var inUse int64
			if err := tx.Model(&models.Question{}).Where("subject_id IN ?", ids).Count(&inUse).Error; err != nil {
				return storeErr("questions", err)
			}
			if inUse > 0 {
				return Conflict("team has %d questions in its subjects", inUse)
			}
		}
		if err := unassignSubjects(tx, ids); err != nil {
			return err
		}
		if err := tx.Model(&models.User{}).Where("team_id = ?", id).Update("team_id", nil).Error; err != nil {
			return storeErr("users", err)
		}
		if err := tx.Where("team_id = ?", id).Delete(&models.Subject{}).Error; err != nil {
			return storeErr("subjects", err)
		}
		res := tx.Where("id = ?", id).Delete(&models.Team{})
		if res.Error != nil {
			return storeErr("team", res.Error)
		}
		if res.RowsAffected == 0 {
			return NotFound("team")
		}
		return nil
	})
}
