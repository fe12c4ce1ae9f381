package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/bedrock/internal/db"
)

// requireOperators answers 503 when the operator store is not configured.
func (s *Server) requireOperators(c *gin.Context) bool {
	if s.operators == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "operator management requires the database"})
		return false
	}
	return true
}

func (s *Server) handleGetOperators(c *gin.Context) {
	if !s.requireOperators(c) {
		return
	}
	ops, err := s.operators.Operators()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"operators": ops})
}

type createOperatorRequest struct {
	Name string `json:"name" binding:"required"`
	Role string `json:"role" binding:"required"`
}

// handleCreateOperator registers an operator. The token is only ever
// returned here.
func (s *Server) handleCreateOperator(c *gin.Context) {
	if !s.requireOperators(c) {
		return
	}

	var req createOperatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and role are required"})
		return
	}

	token, err := s.operators.CreateOperator(req.Name, req.Role)
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, db.ErrUnknownRole) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	s.audit(c, "create_operator", req.Name, req.Role)
	c.JSON(http.StatusCreated, gin.H{
		"name":  req.Name,
		"role":  req.Role,
		"token": token,
	})
}

func (s *Server) handleDeleteOperator(c *gin.Context) {
	if !s.requireOperators(c) {
		return
	}
	name := c.Param("name")
	if err := s.operators.DeleteOperator(name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.auth.Forget()
	s.audit(c, "delete_operator", name, "")
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "name": name})
}

type assignRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

func (s *Server) handleAssignRole(c *gin.Context) {
	if !s.requireOperators(c) {
		return
	}
	name := c.Param("name")

	var req assignRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role is required"})
		return
	}
	if err := s.operators.AssignRole(name, req.Role); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.auth.Forget()
	s.audit(c, "assign_role", name, req.Role)
	c.JSON(http.StatusOK, gin.H{"status": "assigned", "name": name, "role": req.Role})
}

func (s *Server) handleGetRoles(c *gin.Context) {
	if !s.requireOperators(c) {
		return
	}
	roles, err := s.operators.Roles()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"roles": roles})
}

func (s *Server) handleGetAudit(c *gin.Context) {
	if !s.requireOperators(c) {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := s.operators.RecentActions(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
