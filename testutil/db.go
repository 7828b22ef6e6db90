// Package testutil builds throwaway databases and fixtures for tests.
package testutil

import (
	"fmt"
	"strings"

	"questionpool/models"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// TB is the part of testing.TB that the helpers need. GinkgoT() satisfies it.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
	Cleanup(func())
	Name() string
}

// NewDB opens a private in-memory SQLite database with every model migrated.
// A single connection serializes transactions the way row locks would.
func NewDB(tb TB) *gorm.DB {
	tb.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	tb.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(models.All()...); err != nil {
		tb.Fatalf("migrate: %v", err)
	}
	return db
}

func SeedTeam(tb TB, db *gorm.DB, name string) *models.Team {
	tb.Helper()
	team := &models.Team{Name: name}
	if err := db.Create(team).Error; err != nil {
		tb.Fatalf("seed team %q: %v", name, err)
	}
	return team
}

func SeedSubject(tb TB, db *gorm.DB, team *models.Team, name string) *models.Subject {
	tb.Helper()
	subject := &models.Subject{Name: name, TeamID: team.ID}
	if err := db.Create(subject).Error; err != nil {
		tb.Fatalf("seed subject %q: %v", name, err)
	}
	return subject
}

// SeedUser creates an active user and assigns it the given subjects. The
// password hash is not a real hash; log-in tests register their own users.
func SeedUser(tb TB, db *gorm.DB, name string, role models.Role, subjects ...*models.Subject) *models.User {
	tb.Helper()
	user := &models.User{
		Name:         name,
		Email:        strings.ToLower(strings.ReplaceAll(name, " ", ".")) + "@example.test",
		PasswordHash: "unused",
		Role:         role,
		Active:       true,
	}
	if err := db.Create(user).Error; err != nil {
		tb.Fatalf("seed user %q: %v", name, err)
	}
	for i, s := range subjects {
		if err := db.Create(&models.UserSubject{UserID: user.ID, SubjectID: s.ID}).Error; err != nil {
			tb.Fatalf("assign subject %d to %q: %v", s.ID, name, err)
		}
		if i == 0 {
			id := s.ID
			user.SubjectID = &id
			if err := db.Model(user).Update("subject_id", id).Error; err != nil {
				tb.Fatalf("seed user %q: %v", name, err)
			}
		}
		user.SubjectIDs = append(user.SubjectIDs, s.ID)
	}
	return user
}

// SeedQuestion inserts a question directly in the given status.
func SeedQuestion(tb TB, db *gorm.DB, writer *models.User, subject *models.Subject, status models.QuestionStatus) *models.Question {
	tb.Helper()
	q := &models.Question{
		Text:      "Prove that the square root of two is irrational.",
		SubjectID: subject.ID,
		CreatedBy: &writer.ID,
		Status:    status,
	}
	if err := db.Create(q).Error; err != nil {
		tb.Fatalf("seed question: %v", err)
	}
	return q
}
