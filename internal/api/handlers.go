package api

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"supply-integrity/internal/chain"
	"supply-integrity/internal/detector"
	"supply-integrity/internal/integrity"
	"supply-integrity/internal/service"
	"supply-integrity/internal/storage"
)

var errChainDisabled = errors.New("chain access not configured")

// maxChainOverview bounds the contract reads behind one list request.
const maxChainOverview = 10_000

// batchView merges the contract's and the store's view of one batch.
type batchView struct {
	BatchID string                `json:"batchId"`
	OnChain *chain.OnchainBatch   `json:"onChain,omitempty"`
	DB      *service.BatchSummary `json:"db,omitempty"`
}

type batchResponse struct {
	OnChain   *chain.OnchainBatch `json:"onChain"`
	DB        *storage.Batch      `json:"db"`
	Transfers []storage.Transfer  `json:"transfers"`
	Alerts    []storage.Alert     `json:"alerts"`
	Integrity integrity.Report    `json:"integrity"`
}

type transferRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Location string `json:"location"`
}

type readyRequest struct {
	UpdatedBy string `json:"updatedBy"`
}

// fail maps service errors onto status codes.
func (s *Server) fail(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, detector.ErrInvalidTransfer):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Batch not found"})
	case errors.Is(err, errChainDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg(message)
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
	}
}

func parseChainID(raw string) (*big.Int, bool) {
	id, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || id.Sign() < 0 {
		return nil, false
	}
	return id, true
}

func (s *Server) listBatches(c *gin.Context) {
	ctx := c.Request.Context()

	summaries, err := s.svc.ListBatches(ctx)
	if err != nil {
		s.fail(c, err, "Failed to list batches")
		return
	}
	byID := make(map[string]*service.BatchSummary, len(summaries))
	for i := range summaries {
		byID[summaries[i].BatchID] = &summaries[i]
	}

	if s.chain != nil {
		views, err := s.chainOverview(c, byID)
		if err == nil {
			c.JSON(http.StatusOK, views)
			return
		}
		s.logger.Warn().Err(err).Msg("chain overview unavailable, serving stored batches")
	}

	views := make([]batchView, 0, len(summaries))
	for i := range summaries {
		views = append(views, batchView{BatchID: summaries[i].BatchID, DB: &summaries[i]})
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) chainOverview(c *gin.Context, byID map[string]*service.BatchSummary) ([]batchView, error) {
	ctx := c.Request.Context()
	next, err := s.chain.CurrentBatchID(ctx)
	if err != nil {
		return nil, err
	}

	if !next.IsInt64() || next.Sign() < 0 || next.Int64() > maxChainOverview {
		return nil, fmt.Errorf("contract reports %s batches, overview limited to %d", next, maxChainOverview)
	}
	total := next.Int64()

	views := make([]batchView, 0, min(total, 1024))
	for i := int64(0); i < total; i++ {
		onchain, err := s.chain.GetBatch(ctx, big.NewInt(i))
		if err != nil {
			s.logger.Debug().Err(err).Int64("batch_id", i).Msg("skip unreadable batch")
			continue
		}
		view := batchView{BatchID: onchain.BatchID, OnChain: &onchain}
		if view.BatchID == "" {
			view.BatchID = big.NewInt(i).String()
		}
		view.DB = byID[view.BatchID]
		views = append(views, view)
	}
	return views, nil
}

func (s *Server) registerBatch(c *gin.Context) {
	var req service.BatchInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	batch, err := s.svc.RegisterBatch(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err, "Failed to create batch")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "batch": batch})
}

func (s *Server) currentBatchID(c *gin.Context) {
	if s.chain == nil {
		s.fail(c, errChainDisabled, "")
		return
	}
	next, err := s.chain.CurrentBatchID(c.Request.Context())
	if err != nil {
		s.fail(c, err, "Failed to fetch current batch id")
		return
	}
	c.JSON(http.StatusOK, gin.H{"nextBatchId": next.Uint64()})
}

func (s *Server) getBatch(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	var onchain *chain.OnchainBatch
	if s.chain != nil {
		if chainID, ok := parseChainID(id); ok {
			b, err := s.chain.GetBatch(ctx, chainID)
			if err == nil {
				onchain = &b
			} else {
				s.logger.Debug().Err(err).Str("batch_id", id).Msg("batch not readable on chain")
			}
		}
	}

	detail, err := s.svc.Batch(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound) && onchain != nil:
		detail = service.BatchDetail{
			Transfers: []storage.Transfer{},
			Alerts:    []storage.Alert{},
			Integrity: integrity.NewReport(id, nil),
		}
	case err != nil:
		s.fail(c, err, "Failed to fetch batch")
		return
	}

	c.JSON(http.StatusOK, batchResponse{
		OnChain:   onchain,
		DB:        detail.Batch,
		Transfers: detail.Transfers,
		Alerts:    detail.Alerts,
		Integrity: detail.Integrity,
	})
}

func (s *Server) markReady(c *gin.Context) {
	var req readyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	batch, err := s.svc.MarkReady(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.UpdatedBy))
	if err != nil {
		s.fail(c, err, "Failed to mark batch ready")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "batch": batch})
}

func (s *Server) addTransfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.To) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "'to' address is required"})
		return
	}
	from := strings.TrimSpace(req.From)
	if from == "" {
		from = "unknown"
	}

	res, err := s.svc.RecordTransfer(c.Request.Context(), storage.Transfer{
		BatchID:   c.Param("id"),
		From:      from,
		To:        strings.TrimSpace(req.To),
		Location:  strings.TrimSpace(req.Location),
		Timestamp: storage.NowMillis(),
	}, service.SourceAPI)
	if err != nil && res.Transfer.ID == "" {
		s.fail(c, err, "Failed to add transfer")
		return
	}

	body := gin.H{"success": true, "transfer": res.Transfer, "alerts": res.Alerts}
	if err != nil {
		s.logger.Error().Err(err).Str("batch_id", res.Transfer.BatchID).Msg("transfer recorded but detection incomplete")
		body["warning"] = "transfer recorded but some alerts could not be stored"
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) history(c *gin.Context) {
	view, err := s.svc.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "Failed to fetch batch history")
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) integrity(c *gin.Context) {
	report, err := s.svc.Integrity(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "Failed to compute integrity")
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) chainHistory(c *gin.Context) {
	if s.chain == nil {
		s.fail(c, errChainDisabled, "")
		return
	}
	id, ok := parseChainID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid batch id"})
		return
	}
	events, err := s.chain.EventHistory(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err, "Failed to fetch batch history")
		return
	}
	c.JSON(http.StatusOK, gin.H{"batchId": id.String(), "events": events})
}
