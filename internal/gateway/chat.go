package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/genesis-proxy/internal/genesislog"
	"github.com/jmerrifield20/genesis-proxy/internal/metrics"
	"go.uber.org/zap"
)

// Stage is how far a chat cycle got.
type Stage string

const (
	StageIdle          Stage = "idle"
	StageAuthenticated Stage = "authenticated"
	StageLogged        Stage = "logged"
	StageForwarded     Stage = "forwarded"
	StageCompleted     Stage = "completed"
	StageFailed        Stage = "failed"
)

// Chat cycle outcomes as counted in metrics.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeRejected  = "rejected"
)

type chatRequest struct {
	Message string `json:"message"`
}

// ChatHandler runs one instruction/response cycle per POST /chat.
type ChatHandler struct {
	log          LogStore
	agent        AgentSender
	expectedAuth []byte
	agentTimeout time.Duration
	logger       *zap.Logger
}

// NewChatHandler creates a ChatHandler. With an empty devKey every request is
// rejected.
func NewChatHandler(log LogStore, agent AgentSender, devKey string, agentTimeout time.Duration, logger *zap.Logger) *ChatHandler {
	if agentTimeout == 0 {
		agentTimeout = 5 * time.Minute
	}
	h := &ChatHandler{log: log, agent: agent, agentTimeout: agentTimeout, logger: logger}
	if devKey != "" {
		h.expectedAuth = []byte("Bearer " + devKey)
	}
	return h
}

// cycle tracks one chat request through its stages.
type cycle struct {
	stage   Stage
	reached Stage // last stage before failure
	outcome string
}

func (cy *cycle) advance(s Stage) {
	cy.stage = s
	cy.reached = s
}

func (cy *cycle) fail() {
	cy.outcome = outcomeFailed
	cy.stage = StageFailed
}

// Chat handles POST /chat.
func (h *ChatHandler) Chat(c *gin.Context) {
	cy := &cycle{stage: StageIdle, reached: StageIdle}
	start := time.Now()
	defer func() {
		if cy.outcome == "" {
			cy.outcome = outcomeCompleted
		}
		metrics.RecordChatCycle(cy.outcome, string(cy.reached))
		h.logger.Info("chat cycle finished",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("outcome", cy.outcome),
			zap.String("stage", string(cy.stage)),
			zap.String("reached", string(cy.reached)),
			zap.Duration("latency", time.Since(start)),
		)
	}()

	if !h.authorized(c.GetHeader("Authorization")) {
		cy.outcome = outcomeRejected
		msg := "invalid dev key"
		if h.expectedAuth == nil {
			msg = "chat disabled: dev key not configured"
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": msg})
		return
	}
	cy.advance(StageAuthenticated)

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		cy.fail()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		cy.fail()
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	// Once the instruction is logged the cycle runs to completion even if the
	// caller goes away, so the agent's answer is still recorded.
	ctx := context.WithoutCancel(c.Request.Context())

	if _, err := h.log.Append(ctx, genesislog.DevInstruction, req.Message); err != nil {
		cy.fail()
		h.writeLogError(c, "instruction", err)
		return
	}
	metrics.RecordAppend(string(genesislog.DevInstruction))
	cy.advance(StageLogged)

	agentCtx, cancel := context.WithTimeout(ctx, h.agentTimeout)
	defer cancel()
	reply, err := h.agent.Send(agentCtx, req.Message)
	metrics.RecordAgentForward(err == nil)
	if err != nil {
		cy.fail()
		h.logger.Error("agent forward failed",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.Error(err),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": "agent request failed: " + err.Error()})
		return
	}
	cy.advance(StageForwarded)

	if _, err := h.log.Append(ctx, genesislog.AgentResponse, reply.Text); err != nil {
		cy.fail()
		h.writeLogError(c, "agent response", err)
		return
	}
	metrics.RecordAppend(string(genesislog.AgentResponse))
	cy.advance(StageCompleted)

	c.Data(http.StatusOK, "application/json", reply.Raw)
}

func (h *ChatHandler) authorized(header string) bool {
	if h.expectedAuth == nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header), h.expectedAuth) == 1
}

func (h *ChatHandler) writeLogError(c *gin.Context, what string, err error) {
	if errors.Is(err, genesislog.ErrNotReady) || errors.Is(err, genesislog.ErrUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "genesis log not ready"})
		return
	}
	h.logger.Error("genesis append failed",
		zap.String("request_id", c.GetString(requestIDKey)),
		zap.String("entry", what),
		zap.Error(err),
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record " + what})
}
