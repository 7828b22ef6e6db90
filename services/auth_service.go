package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"questionpool/models"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// passwordCost is lowered by tests.
var passwordCost = bcrypt.DefaultCost

type AuthService struct {
	db     *gorm.DB
	secret []byte
	ttl    time.Duration
	log    *zap.Logger
}

func NewAuthService(db *gorm.DB, jwtSecret string, ttl time.Duration, log *zap.Logger) *AuthService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthService{
		db:     db,
		secret: []byte(jwtSecret),
		ttl:    ttl,
		log:    log.With(zap.String("service", "AuthService")),
	}
}

type RegisterRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
	Role     string `json:"role"`
	TeamID   *uint  `json:"team_id"`
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type AuthResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

type Claims struct {
	UserID uint        `json:"uid"`
	Role   models.Role `json:"role"`
	jwt.RegisteredClaims
}

// Register creates a writer or typesetter account. Admin accounts are only
// created by other admins.
func (s *AuthService) Register(ctx context.Context, req *RegisterRequest) (*AuthResponse, error) {
	role := models.RoleWriter
	if req.Role != "" {
		r, err := models.ParseRole(req.Role)
		if err != nil {
			return nil, Validation("%v", err)
		}
		role = r
	}
	if role == models.RoleAdmin {
		return nil, Forbidden("admin accounts cannot be self-registered")
	}
	if req.TeamID != nil {
		if err := requireTeam(s.db.WithContext(ctx), *req.TeamID); err != nil {
			return nil, err
		}
	}

	user, err := newUser(req.Name, req.Email, req.Password, role)
	if err != nil {
		return nil, err
	}
	user.TeamID = req.TeamID
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, storeErr("user", err)
	}
	s.log.Info("user registered", zap.Uint("user_id", user.ID), zap.String("role", string(role)))

	token, err := s.IssueToken(user)
	if err != nil {
		return nil, err
	}
	user.SubjectIDs = []uint{}
	return &AuthResponse{Token: token, User: user}, nil
}

func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*AuthResponse, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(req.Email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, Unauthenticated("invalid email or password")
	}
	if err != nil {
		return nil, storeErr("user", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		return nil, Unauthenticated("invalid email or password")
	}
	if !user.Active {
		return nil, Forbidden("account is deactivated")
	}

	if user.SubjectIDs, err = subjectIDs(s.db.WithContext(ctx), &user); err != nil {
		return nil, err
	}
	token, err := s.IssueToken(&user)
	if err != nil {
		return nil, err
	}
	return &AuthResponse{Token: token, User: &user}, nil
}

func (s *AuthService) IssueToken(u *models.User) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: u.ID,
		Role:   u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprint(u.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", Internal("sign token", err)
	}
	return token, nil
}

// ResolveToken turns a bearer token into the request actor. The user row is
// re-read so role changes and deactivation apply immediately.
func (s *AuthService) ResolveToken(ctx context.Context, raw string) (Actor, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return Actor{}, Unauthenticated("invalid or expired token")
	}

	var user models.User
	err = s.db.WithContext(ctx).First(&user, claims.UserID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Actor{}, Unauthenticated("user no longer exists")
	}
	if err != nil {
		return Actor{}, storeErr("user", err)
	}
	if !user.Active {
		return Actor{}, Unauthenticated("account is deactivated")
	}

	ids, err := subjectIDs(s.db.WithContext(ctx), &user)
	if err != nil {
		return Actor{}, err
	}
	return Actor{
		ID:         user.ID,
		Role:       user.Role,
		TeamID:     user.TeamID,
		SubjectIDs: ids,
		Name:       user.Name,
	}, nil
}

func (s *AuthService) Me(ctx context.Context, a Actor) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Preload("Team").First(&user, a.ID).Error; err != nil {
		return nil, storeErr("user", err)
	}
	user.SubjectIDs = a.SubjectIDs
	return &user, nil
}

// EnsureAdmin creates the bootstrap admin when no user holds email yet.
func (s *AuthService) EnsureAdmin(ctx context.Context, email, password, name string) error {
	if email == "" || password == "" {
		return nil
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("email = ?", normalizeEmail(email)).Count(&n).Error; err != nil {
		return storeErr("user", err)
	}
	if n > 0 {
		return nil
	}
	if name == "" {
		name = "Administrator"
	}
	user, err := newUser(name, email, password, models.RoleAdmin)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return storeErr("user", err)
	}
	s.log.Info("bootstrap admin created", zap.Uint("user_id", user.ID), zap.String("email", user.Email))
	return nil
}

func newUser(name, email, password string, role models.Role) (*models.User, error) {
	name = strings.TrimSpace(name)
	email = normalizeEmail(email)
	if name == "" || email == "" {
		return nil, Validation("name and email are required")
	}
	if len(password) < 6 {
		return nil, Validation("password must be at least 6 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), passwordCost)
	if err != nil {
		return nil, Internal("hash password", err)
	}
	return &models.User{
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		Active:       true,
	}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
