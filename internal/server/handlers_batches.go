package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/medledger/backend/internal/anchoring"
)

type batchPayload struct {
	BatchID         string   `json:"batch_id"`
	Label           string   `json:"label,omitempty"`
	EventIDs        []string `json:"event_ids"`
	MerkleRoot      string   `json:"merkle_root"`
	BatchHash       string   `json:"batch_hash"`
	PreviousBatchID *string  `json:"previous_batch_id,omitempty"`
	AnchorTxID      *string  `json:"hedera_tx_id,omitempty"`
	Status          string   `json:"status"`
	EventCount      int64    `json:"event_count"`
	Timestamp       int64    `json:"timestamp_s"`
}

func toBatchPayload(batch anchoring.BatchRecord) batchPayload {
	return batchPayload{
		BatchID:         batch.BatchID,
		Label:           batch.Label,
		EventIDs:        batch.EventIDs,
		MerkleRoot:      batch.MerkleRoot,
		BatchHash:       batch.BatchHash,
		PreviousBatchID: batch.PreviousBatchID,
		AnchorTxID:      batch.AnchorTxID,
		Status:          string(batch.Status),
		EventCount:      batch.EventCount,
		Timestamp:       batch.TimestampSecs,
	}
}

func toBatchPayloads(batches []anchoring.BatchRecord) []batchPayload {
	result := make([]batchPayload, 0, len(batches))
	for _, batch := range batches {
		result = append(result, toBatchPayload(batch))
	}
	return result
}

type harvestRequestPayload struct {
	Limit int `json:"limit"`
}

func (h *httpHandler) handleHarvestBatch(c *gin.Context) {
	if h.requireAdmin(c) == nil {
		return
	}
	var request harvestRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	batch, err := h.engine.CreateBatchFromPending(c.Request.Context(), request.Limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toBatchPayload(*batch))
}

type explicitBatchRequestPayload struct {
	EventIDs  []string `json:"event_ids"`
	Label     string   `json:"label"`
	PriorHint *string  `json:"prior_hint"`
}

func (h *httpHandler) handleCreateBatchExplicit(c *gin.Context) {
	if h.requireAdmin(c) == nil {
		return
	}
	var request explicitBatchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.EventIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	batch, err := h.engine.CreateBatchExplicit(c.Request.Context(), request.EventIDs, request.Label, request.PriorHint)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toBatchPayload(*batch))
}

func (h *httpHandler) handleGetBatch(c *gin.Context) {
	if h.requireAdmin(c) == nil {
		return
	}
	batch, err := h.engine.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBatchPayload(*batch))
}

func (h *httpHandler) handleLatestBatch(c *gin.Context) {
	if h.requireAdmin(c) == nil {
		return
	}
	batch, err := h.engine.LatestBatch(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	if batch == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_batches_created_yet"})
		return
	}
	c.JSON(http.StatusOK, toBatchPayload(*batch))
}

func (h *httpHandler) handleListBatchesByStatus(c *gin.Context) {
	if h.requireAdmin(c) == nil {
		return
	}
	status, err := anchoring.ParseBatchStatus(c.Query("status"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	batches, err := h.engine.ListByStatus(c.Request.Context(), status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": toBatchPayloads(batches)})
}

// Batch membership spans records owned by many patients, so the event
// payloads behind a batch are an administrative view only.
func (h *httpHandler) handleListBatchEvents(c *gin.Context) {
	if h.requireAdmin(c) == nil {
		return
	}
	events, err := h.ledger.ListByBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": toEventPayloads(events)})
}

func (h *httpHandler) handleVerifyBatch(c *gin.Context) {
	if h.requireAdmin(c) == nil {
		return
	}
	intact, err := h.engine.VerifyBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch_id": c.Param("id"), "intact": intact})
}

func (h *httpHandler) handleBatchChain(c *gin.Context) {
	if h.requireAdmin(c) == nil {
		return
	}
	chain, err := h.engine.BatchChain(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chain": toBatchPayloads(chain)})
}

func (h *httpHandler) handleSubmitBatch(c *gin.Context) {
	if h.requireAdmin(c) == nil {
		return
	}
	if err := h.engine.SubmitToAnchor(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	batch, err := h.engine.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBatchPayload(*batch))
}

func (h *httpHandler) handleConfirmBatch(c *gin.Context) {
	if h.requireAdmin(c) == nil {
		return
	}
	confirmation, err := h.engine.ConfirmAnchor(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	batch, err := h.engine.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"confirmation": string(confirmation), "batch": toBatchPayload(*batch)})
}
