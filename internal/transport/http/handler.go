package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/supplytrace/tracking-service/internal/indexer"
	"github.com/supplytrace/tracking-service/internal/model"
	"github.com/supplytrace/tracking-service/internal/repo"
	"github.com/supplytrace/tracking-service/internal/service"
	"gorm.io/gorm"
)

func RegisterHandlers(r *gin.Engine, scans *service.ScanService, shipments *service.ShipmentService) {
	v1 := r.Group("/v1")
	{
		v1.GET("/shipments/:hash", getShipmentHandler(shipments))
		v1.GET("/shipments/:hash/containers", listContainersHandler(shipments))
		v1.GET("/shipments/:hash/progress", progressHandler(shipments))
		v1.GET("/shipments/:hash/scans", scanHistoryHandler(shipments))
		v1.POST("/shipments/:hash/transition", transitionHandler(shipments))
		v1.POST("/shipments/:hash/assign", assignHandler(shipments))
		v1.POST("/containers/:id/scan", scanHandler(scans))
		v1.GET("/indexer/health", indexerHealthHandler(shipments))
	}
}

type scanReq struct {
	ActorRole string `json:"actor_role" binding:"required"`
	ActorID   string `json:"actor_id" binding:"required"`
}

func scanHandler(svc *service.ScanService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req scanReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := svc.SubmitScan(c, c.Param("id"), model.ActorRole(req.ActorRole), req.ActorID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"accepted": false, "code": model.RejectInternalError, "error": err.Error(),
			})
			return
		}
		if !res.Accepted {
			status := http.StatusConflict
			if res.Code == model.RejectNotFound {
				status = http.StatusNotFound
			}
			c.JSON(status, res)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func getShipmentHandler(svc *service.ShipmentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sh, err := svc.GetShipment(c, c.Param("hash"))
		if err != nil {
			respondQueryError(c, err)
			return
		}
		c.JSON(http.StatusOK, sh)
	}
}

func listContainersHandler(svc *service.ShipmentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		cs, err := svc.ListContainers(c, c.Param("hash"))
		if err != nil {
			respondQueryError(c, err)
			return
		}
		c.JSON(http.StatusOK, cs)
	}
}

func progressHandler(svc *service.ShipmentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := svc.Progress(c, c.Param("hash"))
		if err != nil {
			respondQueryError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func scanHistoryHandler(svc *service.ShipmentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		entries, err := svc.ScanHistory(c, c.Param("hash"), limit)
		if err != nil {
			respondQueryError(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

type transitionReq struct {
	TargetStatus string `json:"target_status" binding:"required"`
}

func transitionHandler(svc *service.ShipmentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transitionReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sh, err := svc.RequestTransition(c, c.Param("hash"), model.ShipmentStatus(req.TargetStatus))
		if err != nil {
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "shipment not found"})
			case errors.Is(err, service.ErrInvalidTransition),
				errors.Is(err, service.ErrTransporterNotAssigned),
				errors.Is(err, service.ErrNextLegNotAssigned),
				errors.Is(err, service.ErrStatusConflict):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, sh)
	}
}

type assignReq struct {
	Role    string `json:"role" binding:"required"`
	Account string `json:"account" binding:"required"`
}

func assignHandler(svc *service.ShipmentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req assignReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := svc.Assign(c, c.Param("hash"), model.ActorRole(req.Role), req.Account)
		if err != nil {
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "shipment not found"})
			case errors.Is(err, service.ErrEmptyAccount),
				errors.Is(err, repo.ErrUnknownAssignmentRole):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{"assigned": true})
	}
}

func indexerHealthHandler(svc *service.ShipmentService) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := svc.IndexerHealth(c)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		code := http.StatusOK
		if st.Health == indexer.HealthUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, st)
	}
}

func respondQueryError(c *gin.Context, err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "shipment not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
