package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

const maxListLimit = 200

func (s *Server) listMessages(c *gin.Context) {
	if c.Query("accountId") == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "accountId is required"})
		return
	}
	acct, ok := s.account(c, c.Query("accountId"))
	if !ok {
		return
	}
	f := mailsync.MessageFilter{
		AccountID: acct.ID,
		FolderID:  c.Query("folderId"),
		Search:    strings.TrimSpace(c.Query("search")),
		Limit:     50,
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = min(n, maxListLimit)
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}
	msgs, err := s.mail.List(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "limit": f.Limit, "offset": f.Offset})
}

func (s *Server) messageDetail(c *gin.Context) {
	acct, ok := s.account(c, c.Param("accountId"))
	if !ok {
		return
	}
	d, err := s.mail.Detail(c.Request.Context(), acct.ID, c.Param("messageId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type sendRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	mailsync.OutgoingMessage
}

func (s *Server) sendMessage(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	acct, ok := s.account(c, req.AccountID)
	if !ok {
		return
	}
	id, err := s.mail.Send(c.Request.Context(), acct.ID, req.OutgoingMessage)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "sent"})
}

func (s *Server) markRead(c *gin.Context) {
	acct, ok := s.account(c, c.Param("accountId"))
	if !ok {
		return
	}
	if err := s.mail.MarkRead(c.Request.Context(), acct.ID, c.Param("messageId")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type moveRequest struct {
	FolderID string `json:"folder_id" binding:"required"`
}

func (s *Server) moveMessage(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	acct, ok := s.account(c, c.Param("accountId"))
	if !ok {
		return
	}
	if err := s.mail.Move(c.Request.Context(), acct.ID, c.Param("messageId"), req.FolderID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) deleteMessage(c *gin.Context) {
	acct, ok := s.account(c, c.Param("accountId"))
	if !ok {
		return
	}
	if err := s.mail.Delete(c.Request.Context(), acct.ID, c.Param("messageId")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
