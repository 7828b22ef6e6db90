package services

import (
	"context"
	"slices"

	"questionpool/models"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type UserService struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewUserService(db *gorm.DB, log *zap.Logger) *UserService {
	return &UserService{db: db, log: log.With(zap.String("service", "UserService"))}
}

type CreateUserRequest struct {
	Name       string `json:"name" binding:"required"`
	Email      string `json:"email" binding:"required,email"`
	Password   string `json:"password" binding:"required,min=6"`
	Role       string `json:"role" binding:"required"`
	TeamID     *uint  `json:"team_id"`
	SubjectIDs []uint `json:"subject_ids"`
}

// UpdateUserRequest changes only the fields that are present. Role, team,
// subject and active are admin-only.
type UpdateUserRequest struct {
	Name      *string `json:"name"`
	Email     *string `json:"email"`
	Password  *string `json:"password"`
	Role      *string `json:"role"`
	TeamID    *uint   `json:"team_id"`
	SubjectID *uint   `json:"subject_id"`
	Active    *bool   `json:"active"`
}

type SetSubjectsRequest struct {
	SubjectIDs []uint `json:"subject_ids"`
}

type UserFilter struct {
	Role   string `form:"role"`
	TeamID uint   `form:"team_id"`
}

func (s *UserService) List(ctx context.Context, a Actor, f UserFilter) ([]models.User, error) {
	if err := Authorize(a, ResourceUser, ActionList, Target{}); err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).Preload("Team").Order("name")
	if f.Role != "" {
		role, err := models.ParseRole(f.Role)
		if err != nil {
			return nil, Validation("%v", err)
		}
		query = query.Where("role = ?", role)
	}
	if f.TeamID != 0 {
		query = query.Where("team_id = ?", f.TeamID)
	}

	var users []models.User
	if err := query.Find(&users).Error; err != nil {
		return nil, storeErr("users", err)
	}
	if err := s.attachSubjects(ctx, users); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *UserService) Get(ctx context.Context, a Actor, id uint) (*models.User, error) {
	if err := Authorize(a, ResourceUser, ActionRead, UserTarget(id)); err != nil {
		return nil, err
	}
	var user models.User
	if err := s.db.WithContext(ctx).Preload("Team").First(&user, id).Error; err != nil {
		return nil, storeErr("user", err)
	}
	ids, err := subjectIDs(s.db.WithContext(ctx), &user)
	if err != nil {
		return nil, err
	}
	user.SubjectIDs = ids
	return &user, nil
}

func (s *UserService) Create(ctx context.Context, a Actor, req *CreateUserRequest) (*models.User, error) {
	if err := Authorize(a, ResourceUser, ActionCreate, Target{}); err != nil {
		return nil, err
	}
	role, err := models.ParseRole(req.Role)
	if err != nil {
		return nil, Validation("%v", err)
	}
	user, err := newUser(req.Name, req.Email, req.Password, role)
	if err != nil {
		return nil, err
	}
	user.TeamID = req.TeamID

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.TeamID != nil {
			if err := requireTeam(tx, *req.TeamID); err != nil {
				return err
			}
		}
		if err := tx.Create(user).Error; err != nil {
			return storeErr("user", err)
		}
		return replaceSubjects(tx, user.ID, req.SubjectIDs)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("user created", zap.Uint("user_id", user.ID), zap.Uint("actor_id", a.ID))
	return s.Get(ctx, a, user.ID)
}

func (s *UserService) Update(ctx context.Context, a Actor, id uint, req *UpdateUserRequest) (*models.User, error) {
	if err := Authorize(a, ResourceUser, ActionEdit, UserTarget(id)); err != nil {
		return nil, err
	}
	privileged := req.Role != nil || req.TeamID != nil || req.SubjectID != nil || req.Active != nil
	if privileged && !Can(a, ResourceUser, ActionAssign, UserTarget(id)) {
		return nil, Forbidden("only admins may change role, team, subject or active status")
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		if *req.Name == "" {
			return nil, Validation("name cannot be empty")
		}
		updates["name"] = *req.Name
	}
	if req.Email != nil {
		email := normalizeEmail(*req.Email)
		if email == "" {
			return nil, Validation("email cannot be empty")
		}
		updates["email"] = email
	}
	if req.Password != nil {
		if len(*req.Password) < 6 {
			return nil, Validation("password must be at least 6 characters")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(*req.Password), passwordCost)
		if err != nil {
			return nil, Internal("hash password", err)
		}
		updates["password_hash"] = string(hash)
	}
	if req.Role != nil {
		role, err := models.ParseRole(*req.Role)
		if err != nil {
			return nil, Validation("%v", err)
		}
		updates["role"] = role
	}
	if req.Active != nil {
		if !*req.Active && id == a.ID {
			return nil, Validation("you cannot deactivate your own account")
		}
		updates["active"] = *req.Active
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.First(&user, id).Error; err != nil {
			return storeErr("user", err)
		}
		if req.TeamID != nil {
			if *req.TeamID == 0 {
				updates["team_id"] = nil
			} else {
				if err := requireTeam(tx, *req.TeamID); err != nil {
					return err
				}
				updates["team_id"] = *req.TeamID
			}
		}
		if len(updates) > 0 {
			if err := tx.Model(&models.User{}).Where("id = ?", id).Updates(updates).Error; err != nil {
				return storeErr("user", err)
			}
		}
		if req.SubjectID != nil {
			var ids []uint
			if *req.SubjectID != 0 {
				ids = []uint{*req.SubjectID}
			}
			return replaceSubjects(tx, id, ids)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, a, id)
}

func (s *UserService) Delete(ctx context.Context, a Actor, id uint) error {
	if err := Authorize(a, ResourceUser, ActionDelete, UserTarget(id)); err != nil {
		return err
	}
	if id == a.ID {
		return Validation("you cannot delete your own account")
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", id).Delete(&models.UserSubject{}).Error; err != nil {
			return storeErr("user subjects", err)
		}
		// Questions outlive their writer and typesetter.
		if err := tx.Model(&models.Question{}).Where("created_by = ?", id).Update("created_by", nil).Error; err != nil {
			return storeErr("questions", err)
		}
		if err := tx.Model(&models.Question{}).Where("typesetter_id = ?", id).Update("typesetter_id", nil).Error; err != nil {
			return storeErr("questions", err)
		}
		res := tx.Where("id = ?", id).Delete(&models.User{})
		if res.Error != nil {
			return storeErr("user", res.Error)
		}
		if res.RowsAffected == 0 {
			return NotFound("user")
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("user deleted", zap.Uint("user_id", id), zap.Uint("actor_id", a.ID))
	return nil
}

// SetSubjects replaces the user's subject set.
func (s *UserService) SetSubjects(ctx context.Context, a Actor, id uint, subjectIDs []uint) (*models.User, error) {
	if err := Authorize(a, ResourceUser, ActionAssign, UserTarget(id)); err != nil {
		return nil, err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.User{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return storeErr("user", err)
		}
		if n == 0 {
			return NotFound("user")
		}
		return replaceSubjects(tx, id, subjectIDs)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("subjects assigned", zap.Uint("user_id", id), zap.Uints("subject_ids", subjectIDs))
	return s.Get(ctx, a, id)
}

func (s *UserService) attachSubjects(ctx context.Context, users []models.User) error {
	if len(users) == 0 {
		return nil
	}
	ids := make([]uint, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	var rows []models.UserSubject
	err := s.db.WithContext(ctx).Where("user_id IN ?", ids).Order("id").Find(&rows).Error
	if err != nil {
		return storeErr("user subjects", err)
	}
	byUser := map[uint][]uint{}
	for _, r := range rows {
		byUser[r.UserID] = append(byUser[r.UserID], r.SubjectID)
	}
	for i := range users {
		users[i].SubjectIDs = withLegacy(byUser[users[i].ID], users[i].SubjectID)
	}
	return nil
}

// replaceSubjects swaps the junction rows of userID for ids and rewrites the
// legacy single-subject column as the first of them.
func replaceSubjects(tx *gorm.DB, userID uint, ids []uint) error {
	ids = dedupe(ids)
	if len(ids) > 0 {
		var n int64
		if err := tx.Model(&models.Subject{}).Where("id IN ?", ids).Count(&n).Error; err != nil {
			return storeErr("subjects", err)
		}
		if int(n) != len(ids) {
			return Validation("one or more subjects do not exist")
		}
	}

	if err := tx.Where("user_id = ?", userID).Delete(&models.UserSubject{}).Error; err != nil {
		return storeErr("user subjects", err)
	}
	if len(ids) > 0 {
		rows := make([]models.UserSubject, len(ids))
		for i, sid := range ids {
			rows[i] = models.UserSubject{UserID: userID, SubjectID: sid}
		}
		if err := tx.Create(&rows).Error; err != nil {
			return storeErr("user subjects", err)
		}
	}

	var first interface{}
	if len(ids) > 0 {
		first = ids[0]
	}
	if err := tx.Model(&models.User{}).Where("id = ?", userID).Update("subject_id", first).Error; err != nil {
		return storeErr("user", err)
	}
	return nil
}

// unassignSubjects drops every assignment to the given subjects and
// recomputes the legacy column of the users that held them.
func unassignSubjects(tx *gorm.DB, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	var affected []uint
	err := tx.Model(&models.UserSubject{}).Distinct("user_id").Where("subject_id IN ?", ids).Pluck("user_id", &affected).Error
	if err != nil {
		return storeErr("user subjects", err)
	}
	var legacy []uint
	if err := tx.Model(&models.User{}).Where("subject_id IN ?", ids).Pluck("id", &legacy).Error; err != nil {
		return storeErr("users", err)
	}
	if err := tx.Where("subject_id IN ?", ids).Delete(&models.UserSubject{}).Error; err != nil {
		return storeErr("user subjects", err)
	}

	for _, userID := range dedupe(append(affected, legacy...)) {
		var first []uint
		err := tx.Model(&models.UserSubject{}).Where("user_id = ?", userID).Order("id").Limit(1).Pluck("subject_id", &first).Error
		if err != nil {
			return storeErr("user subjects", err)
		}
		var value interface{}
		if len(first) > 0 {
			value = first[0]
		}
		if err := tx.Model(&models.User{}).Where("id = ?", userID).Update("subject_id", value).Error; err != nil {
			return storeErr("users", err)
		}
	}
	return nil
}

// subjectIDs reads the user's subject set from the junction table. A legacy
// single-subject value with no junction row is still honored.
func subjectIDs(db *gorm.DB, u *models.User) ([]uint, error) {
	var ids []uint
	err := db.Model(&models.UserSubject{}).Where("user_id = ?", u.ID).Order("id").Pluck("subject_id", &ids).Error
	if err != nil {
		return nil, storeErr("user subjects", err)
	}
	return withLegacy(ids, u.SubjectID), nil
}

func withLegacy(ids []uint, legacy *uint) []uint {
	if ids == nil {
		ids = []uint{}
	}
	if legacy != nil && !slices.Contains(ids, *legacy) {
		ids = append(ids, *legacy)
	}
	return ids
}

func dedupe(ids []uint) []uint {
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id != 0 && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func requireTeam(db *gorm.DB, id uint) error {
	var n int64
	if err := db.Model(&models.Team{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return storeErr("team", err)
	}
	if n == 0 {
		return Validation("team %d does not exist", id)
	}
	return nil
}
