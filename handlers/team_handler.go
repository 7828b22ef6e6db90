package handlers

import (
	"net/http"
	"strconv"

	"questionpool/services"

	"github.com/gin-gonic/gin"
)

// TeamHandler serves teams and the subjects that belong to them.
type TeamHandler struct {
	teamService    *services.TeamService
	subjectService *services.SubjectService
}

func NewTeamHandler(teamService *services.TeamService, subjectService *services.SubjectService) *TeamHandler {
	return &TeamHandler{teamService: teamService, subjectService: subjectService}
}

func (h *TeamHandler) ListTeams(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	teams, err := h.teamService.List(c.Request.Context(), actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, teams)
}

func (h *TeamHandler) GetTeam(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", "team")
	if !ok {
		return
	}
	team, err := h.teamService.Get(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, team)
}

func (h *TeamHandler) CreateTeam(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	var req services.TeamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	team, err := h.teamService.Create(c.Request.Context(), actor, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, team)
}

func (h *TeamHandler) UpdateTeam(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", "team")
	if !ok {
		return
	}
	var req services.TeamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	team, err := h.teamService.Update(c.Request.Context(), actor, id, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, team)
}

func (h *TeamHandler) DeleteTeam(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", "team")
	if !ok {
		return
	}
	if err := h.teamService.Delete(c.Request.Context(), actor, id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Team deleted successfully"})
}

func (h *TeamHandler) ListSubjects(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	var teamID uint64
	if raw := c.Query("team_id"); raw != "" {
		var err error
		if teamID, err = strconv.ParseUint(raw, 10, 32); err != nil {
			badRequest(c, "Invalid team ID")
			return
		}
	}
	subjects, err := h.subjectService.List(c.Request.Context(), actor, uint(teamID))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, subjects)
}

func (h *TeamHandler) GetSubject(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", "subject")
	if !ok {
		return
	}
	subject, err := h.subjectService.Get(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, subject)
}

func (h *TeamHandler) CreateSubject(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	var req services.SubjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	subject, err := h.subjectService.Create(c.Request.Context(), actor, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, subject)
}

func (h *TeamHandler) UpdateSubject(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", "subject")
	if !ok {
		return
	}
	var req services.SubjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	subject, err := h.subjectService.Update(c.Request.Context(), actor, id, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, subject)
}

func (h *TeamHandler) DeleteSubject(c *gin.Context) {
	actor, ok := currentActor(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id", "subject")
	if !ok {
		return
	}
	if err := h.subjectService.Delete(c.Request.Context(), actor, id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Subject deleted successfully"})
}
