package models

import (
	"fmt"
	"strings"
)

// QuestionStatus is the workflow state of a question.
type QuestionStatus string

const (
	StatusPending       QuestionStatus = "pending"
	StatusInTypesetting QuestionStatus = "in-typesetting"
	StatusCompleted     QuestionStatus = "completed"
	StatusNeedsRevision QuestionStatus = "needs-revision"
)

// QuestionStatuses lists every legal status in display order.
var QuestionStatuses = []QuestionStatus{
	StatusPending,
	StatusInTypesetting,
	StatusCompleted,
	StatusNeedsRevision,
}

func (s QuestionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInTypesetting, StatusCompleted, StatusNeedsRevision:
		return true
	}
	return false
}

// ParseQuestionStatus rejects anything outside the four workflow states.
func ParseQuestionStatus(raw string) (QuestionStatus, error) {
	s := QuestionStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("invalid question status %q", raw)
	}
	return s, nil
}

type Role string

const (
	RoleAdmin      Role = "admin"
	RoleWriter     Role = "writer"
	RoleTypesetter Role = "typesetter"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleWriter, RoleTypesetter:
		return true
	}
	return false
}

func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !r.Valid() {
		return "", fmt.Errorf("invalid role %q", raw)
	}
	return r, nil
}

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// ParseDifficulty returns nil for an empty input.
func ParseDifficulty(raw string) (*Difficulty, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return nil, nil
	}
	d := Difficulty(raw)
	if !d.Valid() {
		return nil, fmt.Errorf("invalid difficulty %q", raw)
	}
	return &d, nil
}
