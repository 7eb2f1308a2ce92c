package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lvdashuaibi/littlegate/internal/callback"
	"github.com/lvdashuaibi/littlegate/internal/model"
	"github.com/lvdashuaibi/littlegate/internal/service"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleIssue(c *gin.Context) {
	var desc model.TicketDescriptor
	if err := c.ShouldBindJSON(&desc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := s.gate.Issue(c.Request.Context(), &desc)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"ticket": t,
		"token":  t.Token,
	})
}

func (s *Server) handleCancel(c *gin.Context) {
	number := c.Param("number")

	cancelled, err := s.gate.Cancel(c.Request.Context(), number)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ticketNumber": number,
		"cancelled":    cancelled,
	})
}

func (s *Server) handleScan(c *gin.Context) {
	var req model.ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	verdict, err := s.gate.Scan(c.Request.Context(), &req)
	if err != nil {
		s.fail(c, err)
		return
	}

	// 所有核销结论都是 200，由 status 区分
	c.JSON(http.StatusOK, verdict)
}

func (s *Server) handleRedirect(c *gin.Context) {
	var env model.CallbackEnvelope
	if err := c.ShouldBind(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	env.Source = callback.SourceRedirect
	s.admit(c, &env)
}

func (s *Server) handleWebhook(c *gin.Context) {
	var env model.CallbackEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	env.Source = callback.SourceWebhook
	s.admit(c, &env)
}

func (s *Server) admit(c *gin.Context, env *model.CallbackEnvelope) {
	decision, err := s.gate.HandleCallback(c.Request.Context(), env)
	if err != nil {
		s.fail(c, err)
		return
	}

	status := http.StatusOK
	switch decision.Reason {
	case model.RejectReplay:
		status = http.StatusConflict
	case model.RejectInvalidSignature, model.RejectStaleTimestamp:
		status = http.StatusBadRequest
	}
	c.JSON(status, decision)
}

// fail 把业务错误映射为状态码
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrEmptyScan):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrTicketNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrTicketExists):
		status = http.StatusConflict
	case errors.Is(err, model.ErrStoreTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, model.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}
