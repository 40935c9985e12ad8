package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) listUsers(c *gin.Context) {
	users := s.auth.ListUsers()
	out := make([]gin.H, 0, len(users))
	for _, u := range users {
		out = append(out, gin.H{
			"id":         u.ID,
			"username":   u.Username,
			"role":       u.Role,
			"credits":    s.ledger.BalanceOf(u.ID),
			"created_at": u.CreatedAt,
		})
	}
	writeData(c, http.StatusOK, gin.H{"users": out})
}

type setCreditsRequest struct {
	Available *int `json:"available" binding:"required"`
}

// setCredits overrides a user's available balance. Reserved credits of
// in-flight batches are untouched.
func (s *Server) setCredits(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	var req setCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil || *req.Available < 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "available must be a non-negative integer", false, nil)
		return
	}
	userID := c.Param("user_id")
	if _, err := s.auth.GetUser(userID); err != nil {
		writeError(c, http.StatusNotFound, "USER_NOT_FOUND", "User not found", false, nil)
		return
	}
	s.ledger.SetBalance(userID, *req.Available)
	s.log.Info("credits updated", "user_id", userID, "available", *req.Available)
	writeData(c, http.StatusOK, gin.H{"credits": s.ledger.BalanceOf(userID)})
}
