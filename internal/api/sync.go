package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/auth"
)

func (s *Server) syncStatuses(c *gin.Context) {
	statuses, err := s.sched.Statuses(c.Request.Context(), auth.UserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, statuses)
}

func (s *Server) syncStatus(c *gin.Context) {
	acct, ok := s.account(c, c.Param("accountId"))
	if !ok {
		return
	}
	st, err := s.sched.Status(c.Request.Context(), acct.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// syncTrigger runs a job now and answers with the status it settled in.
func (s *Server) syncTrigger(c *gin.Context) {
	acct, ok := s.account(c, c.Param("accountId"))
	if !ok {
		return
	}
	st, err := s.sched.Trigger(c.Request.Context(), acct.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) syncResync(c *gin.Context) {
	acct, ok := s.account(c, c.Param("accountId"))
	if !ok {
		return
	}
	full, _ := strconv.ParseBool(c.DefaultQuery("full", "false"))
	if err := s.sched.Resync(c.Request.Context(), acct.ID, full); err != nil {
		s.fail(c, err)
		return
	}
	st, err := s.sched.Status(c.Request.Context(), acct.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, st)
}

func (s *Server) syncCancel(c *gin.Context) {
	acct, ok := s.account(c, c.Param("accountId"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": s.sched.Cancel(acct.ID)})
}
