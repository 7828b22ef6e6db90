package services

import (
	"context"
	"strings"

	"questionpool/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type SubjectService struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewSubjectService(db *gorm.DB, log *zap.Logger) *SubjectService {
	return &SubjectService{db: db, log: log.With(zap.String("service", "SubjectService"))}
}

type SubjectRequest struct {
	Name        string `json:"name" binding:"required"`
	TeamID      uint   `json:"team_id" binding:"required"`
	Description string `json:"description"`
}

func (s *SubjectService) List(ctx context.Context, a Actor, teamID uint) ([]models.Subject, error) {
	if err := Authorize(a, ResourceSubject, ActionList, Target{}); err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).Preload("Team").Order("name")
	if teamID != 0 {
		query = query.Where("team_id = ?", teamID)
	}
	var subjects []models.Subject
	if err := query.Find(&subjects).Error; err != nil {
		return nil, storeErr("subjects", err)
	}
	return subjects, nil
}

func (s *SubjectService) Get(ctx context.Context, a Actor, id uint) (*models.Subject, error) {
	if err := Authorize(a, ResourceSubject, ActionRead, Target{}); err != nil {
		return nil, err
	}
	var subject models.Subject
	if err := s.db.WithContext(ctx).Preload("Team").First(&subject, id).Error; err != nil {
		return nil, storeErr("subject", err)
	}
	return &subject, nil
}

func (s *SubjectService) Create(ctx context.Context, a Actor, req *SubjectRequest) (*models.Subject, error) {
	if err := Authorize(a, ResourceSubject, ActionCreate, Target{}); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, Validation("subject name is required")
	}
	if err := requireTeam(s.db.WithContext(ctx), req.TeamID); err != nil {
		return nil, err
	}
	subject := models.Subject{Name: name, TeamID: req.TeamID, Description: strings.TrimSpace(req.Description)}
	if err := s.db.WithContext(ctx).Create(&subject).Error; err != nil {
		return nil, storeErr("subject", err)
	}
	s.log.Info("subject created", zap.Uint("subject_id", subject.ID), zap.Uint("team_id", subject.TeamID))
	return s.Get(ctx, a, subject.ID)
}

func (s *SubjectService) Update(ctx context.Context, a Actor, id uint, req *SubjectRequest) (*models.Subject, error) {
	if err := Authorize(a, ResourceSubject, ActionEdit, Target{}); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, Validation("subject name is required")
	}
	if err := requireTeam(s.db.WithContext(ctx), req.TeamID); err != nil {
		return nil, err
	}
	res := s.db.WithContext(ctx).Model(&models.Subject{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"name":        name,
			"team_id":     req.TeamID,
			"description": strings.TrimSpace(req.Description),
		})
	if res.Error != nil {
		return nil, storeErr("subject", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, NotFound("subject")
	}
	return s.Get(ctx, a, id)
}

// Delete refuses while questions still reference the subject.
func (s *SubjectService) Delete(ctx context.Context, a Actor, id uint) error {
	if err := Authorize(a, ResourceSubject, ActionDelete, Target{}); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inUse int64
		if err := tx.Model(&models.Question{}).Where("subject_id = ?", id).Count(&inUse).Error; err != nil {
			return storeErr("questions", err)
		}
		if inUse > 0 {
			return Conflict("subject has %d questions", inUse)
		}
		if err := unassignSubjects(tx, []uint{id}); err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&models.Subject{})
		if res.Error != nil {
			return storeErr("subject", res.Error)
		}
		if res.RowsAffected == 0 {
			return NotFound("subject")
		}
		return nil
	})
}
