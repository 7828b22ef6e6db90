package services

import (
	"slices"

	"questionpool/models"
)

// Actor is the authenticated principal a request runs as. It is resolved
// once per request and passed explicitly into every service call.
type Actor struct {
	ID         uint
	Role       models.Role
	TeamID     *uint
	SubjectIDs []uint
	Name       string
}

func (a Actor) IsAdmin() bool { return a.Role == models.RoleAdmin }

func (a Actor) HasSubject(subjectID uint) bool {
	return slices.Contains(a.SubjectIDs, subjectID)
}

func (a Actor) Is(userID *uint) bool {
	return userID != nil && *userID == a.ID
}
