package monitor

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/alexandrut83/homestead/blockchain"
	"github.com/alexandrut83/homestead/harvest"
)

type plantRequest struct {
	Farmer string `form:"farmer" json:"farmer" binding:"required"`
	Amount int64  `form:"amount" json:"amount"`
}

type workRequest struct {
	Farmer string `form:"farmer" json:"farmer" binding:"required"`
	Hash   string `form:"hash" json:"hash" binding:"required"`
	Nonce  uint64 `form:"nonce" json:"nonce"`
}

type harvestRequest struct {
	Farmer string `form:"farmer" json:"farmer" binding:"required"`
	Block  uint32 `form:"block" json:"block" binding:"required"`
}

func (s *Server) handlePlant(c *gin.Context) {
	var req plantRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.invoke(c, blockchain.Invocation{Op: blockchain.OpPlant, Farmer: req.Farmer, Amount: req.Amount})
}

func (s *Server) handleWork(c *gin.Context) {
	var req workRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.invoke(c, blockchain.Invocation{Op: blockchain.OpWork, Farmer: req.Farmer, Hash: req.Hash, Nonce: req.Nonce})
}

func (s *Server) invoke(c *gin.Context, inv blockchain.Invocation) {
	if err := inv.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp, err := s.client.Submit(c.Request.Context(), inv)
	if err != nil {
		s.logger.Warn("manual operation failed",
			zap.String("op", string(inv.Op)),
			zap.String("farmer", inv.Farmer),
			zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": resp})
}

func (s *Server) handleHarvest(c *gin.Context) {
	var req harvestRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	receipt, err := s.harvests.HarvestNow(c.Request.Context(), req.Farmer, req.Block)
	if err != nil {
		s.logger.Warn("manual harvest failed",
			zap.String("farmer", req.Farmer),
			zap.Uint32("block", req.Block),
			zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": receipt})
}

func writeError(c *gin.Context, err error) {
	var ce *blockchain.ContractError
	switch {
	case errors.Is(err, blockchain.ErrUnknownFarmer):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, harvest.ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &ce):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": ce.Code.String()})
	case errors.Is(err, blockchain.ErrTransport):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
