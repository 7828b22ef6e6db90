package services

import (
	"fmt"

	"questionpool/models"
)

type Resource string

const (
	ResourceQuestion     Resource = "question"
	ResourceTeam         Resource = "team"
	ResourceSubject      Resource = "subject"
	ResourceUser         Resource = "user"
	ResourceNotification Resource = "notification"
)

type Action string

const (
	ActionList      Action = "list"
	ActionRead      Action = "read"
	ActionCreate    Action = "create"
	ActionEdit      Action = "edit"
	ActionDelete    Action = "delete"
	ActionClaim     Action = "claim"
	ActionComplete  Action = "complete"
	ActionRevise    Action = "revise"
	ActionAssign    Action = "assign"
	ActionBroadcast Action = "broadcast"
)

// Target carries the ownership facts a rule may look at.
type Target struct {
	OwnerID    *uint
	SubjectID  uint
	AssigneeID *uint
}

// QuestionTarget builds the policy target for q.
func QuestionTarget(q *models.Question) Target {
	return Target{OwnerID: q.CreatedBy, SubjectID: q.SubjectID, AssigneeID: q.TypesetterID}
}

func UserTarget(userID uint) Target {
	return Target{OwnerID: &userID}
}

type rule func(a Actor, t Target) bool

func always(Actor, Target) bool { return true }

func owner(a Actor, t Target) bool { return a.Is(t.OwnerID) }

func inSubject(a Actor, t Target) bool { return a.HasSubject(t.SubjectID) }

func assignedInSubject(a Actor, t Target) bool {
	return a.Is(t.AssigneeID) && a.HasSubject(t.SubjectID)
}

var adminOnly = map[models.Role]rule{models.RoleAdmin: always}

var everyone = map[models.Role]rule{
	models.RoleAdmin:      always,
	models.RoleWriter:     always,
	models.RoleTypesetter: always,
}

var referenceData = map[Action]map[models.Role]rule{
	ActionList:   everyone,
	ActionRead:   everyone,
	ActionCreate: adminOnly,
	ActionEdit:   adminOnly,
	ActionDelete: adminOnly,
}

// policy is the full authorization table. A missing entry denies.
var policy = map[Resource]map[Action]map[models.Role]rule{
	ResourceQuestion: {
		ActionRead: {
			models.RoleAdmin:      always,
			models.RoleWriter:     owner,
			models.RoleTypesetter: inSubject,
		},
		ActionCreate: {
			models.RoleAdmin:  always,
			models.RoleWriter: owner,
		},
		ActionEdit: {
			models.RoleAdmin:  always,
			models.RoleWriter: owner,
		},
		ActionDelete: {
			models.RoleAdmin:  always,
			models.RoleWriter: owner,
		},
		ActionClaim: {
			models.RoleAdmin:      always,
			models.RoleTypesetter: inSubject,
		},
		ActionComplete: {
			models.RoleAdmin:      always,
			models.RoleTypesetter: assignedInSubject,
		},
		ActionRevise: {
			models.RoleAdmin:      always,
			models.RoleTypesetter: assignedInSubject,
		},
	},
	ResourceTeam:    referenceData,
	ResourceSubject: referenceData,
	ResourceUser: {
		ActionList:   adminOnly,
		ActionCreate: adminOnly,
		ActionDelete: adminOnly,
		ActionAssign: adminOnly,
		ActionRead: {
			models.RoleAdmin:      always,
			models.RoleWriter:     owner,
			models.RoleTypesetter: owner,
		},
		ActionEdit: {
			models.RoleAdmin:      always,
			models.RoleWriter:     owner,
			models.RoleTypesetter: owner,
		},
	},
	ResourceNotification: {
		ActionBroadcast: adminOnly,
	},
}

// Can reports whether a may perform act on r.
func Can(a Actor, r Resource, act Action, t Target) bool {
	rl, ok := policy[r][act][a.Role]
	if !ok {
		return false
	}
	return rl(a, t)
}

// Authorize is Can returning a forbidden error on denial.
func Authorize(a Actor, r Resource, act Action, t Target) error {
	if Can(a, r, act, t) {
		return nil
	}
	return Forbidden(fmt.Sprintf("%s may not %s this %s", a.Role, act, r))
}
