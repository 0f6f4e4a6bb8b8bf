package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/genesis-proxy/internal/attestation"
	"github.com/jmerrifield20/genesis-proxy/internal/genesislog"
	"github.com/jmerrifield20/genesis-proxy/internal/metrics"
	"go.uber.org/zap"
)

// GenesisHandler exposes the read-only verification endpoints: the
// transcript, its hash, and a quote binding that hash.
type GenesisHandler struct {
	log    LogStore
	quoter Quoter
	logger *zap.Logger
}

// NewGenesisHandler creates a new GenesisHandler.
func NewGenesisHandler(log LogStore, quoter Quoter, logger *zap.Logger) *GenesisHandler {
	return &GenesisHandler{log: log, quoter: quoter, logger: logger}
}

// Register mounts the genesis routes on the given router group.
func (h *GenesisHandler) Register(rg *gin.RouterGroup) {
	g := rg.Group("/genesis")
	{
		g.GET("", h.Transcript)
		g.GET("/raw", h.Raw)
		g.GET("/hash", h.Hash)
	}
	rg.GET("/attestation", h.Attestation)
}

// Transcript handles GET /genesis: every record in append order. Lines that
// do not parse are returned as JSON strings.
func (h *GenesisHandler) Transcript(c *gin.Context) {
	records, err := h.log.ReadAll()
	if err != nil {
		h.logger.Error("read genesis log", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read genesis log"})
		return
	}
	if records == nil {
		records = []genesislog.Record{}
	}
	c.JSON(http.StatusOK, records)
}

// Raw handles GET /genesis/raw: the log file's exact bytes, which hash to
// the value reported by /genesis/hash.
func (h *GenesisHandler) Raw(c *gin.Context) {
	data, err := h.log.Raw()
	if err != nil {
		h.logger.Error("read genesis log", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read genesis log"})
		return
	}
	c.Data(http.StatusOK, "application/x-ndjson", data)
}

// Hash handles GET /genesis/hash. hash is null until the log is loaded.
func (h *GenesisHandler) Hash(c *gin.Context) {
	var hash any
	if v, ok := h.log.CurrentHash(); ok {
		hash = v
	}
	c.JSON(http.StatusOK, gin.H{
		"hash":    hash,
		"log":     h.log.Path(),
		"entries": h.log.Len(),
		"state":   h.log.State().String(),
	})
}

// Attestation handles GET /attestation: a quote whose report data is the
// current log hash. The quote is returned exactly as the primitive issued it.
func (h *GenesisHandler) Attestation(c *gin.Context) {
	quote, err := h.quoter.GenesisQuote(c.Request.Context(), h.log)
	if err != nil {
		if errors.Is(err, attestation.ErrNoHash) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "genesis log not ready"})
			return
		}
		metrics.RecordQuote(false)
		h.logger.Error("genesis quote failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "attestation unavailable: " + err.Error()})
		return
	}
	metrics.RecordQuote(true)
	c.Data(http.StatusOK, "application/json", quote)
}
