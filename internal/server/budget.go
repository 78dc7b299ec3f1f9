package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	budgetdomain "github.com/pixiesketch/platform/internal/budget/domain"
)

func (s *Server) GetBudgetStats(c *gin.Context) {
	stats, err := s.budgetSvc.Stats(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) CreateBudgetPeriod(c *gin.Context) {
	var req budgetdomain.CreatePeriodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	period, err := s.budgetSvc.CreatePeriod(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, period)
}

func (s *Server) UpdateBudgetPeriod(c *gin.Context) {
	periodID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var req budgetdomain.UpdatePeriodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.budgetSvc.UpdatePeriod(c.Request.Context(), periodID, req); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
