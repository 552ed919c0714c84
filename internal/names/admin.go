package names

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/portmesh/internal/contact"
	"github.com/danmuck/portmesh/internal/observability"
)

// RecordView is the JSON form of a registration.
type RecordView struct {
	Name         string              `json:"name"`
	Host         string              `json:"host"`
	Port         int                 `json:"port"`
	Carrier      string              `json:"carrier"`
	URI          string              `json:"uri"`
	ReusablePort bool                `json:"reusable_port"`
	Props        map[string][]string `json:"props,omitempty"`
}

func viewOf(rec Record) RecordView {
	return RecordView{
		Name:         rec.Contact.Name,
		Host:         rec.Contact.Host,
		Port:         rec.Contact.Port,
		Carrier:      rec.Contact.Carrier,
		URI:          rec.Contact.URI(),
		ReusablePort: rec.ReusablePort,
		Props:        rec.Props,
	}
}

type registerRequest struct {
	Name    string `json:"name"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Carrier string `json:"carrier"`
}

// Router builds the admin HTTP API.
func (s *Service) Router() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.HTTPMiddleware("nameserver", log.Logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.cfg.Name,
			"names":   s.registry.Len(),
			"version": ProtocolVersion,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/names", func(c *gin.Context) {
		recs := s.registry.List()
		out := make([]RecordView, 0, len(recs))
		for _, rec := range recs {
			out = append(out, viewOf(rec))
		}
		c.JSON(http.StatusOK, gin.H{"names": out})
	})

	r.GET("/names/*name", func(c *gin.Context) {
		name := c.Param("name")
		rec, ok := s.registry.Lookup(name)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": ErrNotFound.Error(), "name": name})
			return
		}
		c.JSON(http.StatusOK, viewOf(rec))
	})

	r.POST("/names", func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		got, err := s.registry.Register(c.Request.Context(), strings.TrimSpace(req.Name), contact.Contact{
			Host:    req.Host,
			Port:    req.Port,
			Carrier: req.Carrier,
		})
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrInvalidName) {
				status = http.StatusBadRequest
			} else if errors.Is(err, ErrPortsInUse) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		rec, _ := s.registry.Lookup(got.Name)
		c.JSON(http.StatusCreated, viewOf(rec))
	})

	r.DELETE("/names/*name", func(c *gin.Context) {
		name := c.Param("name")
		if err := s.registry.Unregister(c.Request.Context(), name); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "name": name})
	})
	return r
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
