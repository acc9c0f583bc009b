// Package api exposes the management HTTP surface: CRUD over the
// machine registry plus a manual-wake endpoint.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"wakezilla/internal/model"
)

// Mutator is the subset of registry.Registry the API needs.
type Mutator interface {
	List() []model.Machine
	Get(id string) (model.Machine, bool)
	Insert(m model.Machine) (model.Machine, error)
	Update(id string, m model.Machine) (model.Machine, error)
	Remove(id string) error
}

// Waker lets the API trigger a manual wake without waiting on a
// forwarded connection. wake.Coordinator satisfies this.
type Waker interface {
	EnsureAwake(ctx context.Context, machineID string) error
}

// Server wires the management routes onto a gin.Engine.
type Server struct {
	registry Mutator
	waker    Waker
}

// New builds an API Server over registry and waker.
func New(registry Mutator, waker Waker) *Server {
	return &Server{registry: registry, waker: waker}
}

// Router builds a fresh gin.Engine with every management route
// registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	machines := r.Group("/api/machines")
	machines.GET("", s.list)
	machines.GET("/:id", s.get)
	machines.POST("", s.create)
	machines.PUT("/:id", s.update)
	machines.DELETE("/:id", s.remove)
	machines.POST("/:id/wake", s.wake)
	machines.POST("/:id/port-forwards", s.addPortForward)
	machines.DELETE("/:id/port-forwards/:localPort", s.removePortForward)

	return r
}

func (s *Server) list(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.List())
}

func (s *Server) get(c *gin.Context) {
	m, ok := s.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "machine not found"})
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) create(c *gin.Context) {
	var m model.Machine
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created, err := s.registry.Insert(m)
	if err != nil {
		writeMutationError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) update(c *gin.Context) {
	var m model.Machine
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updated, err := s.registry.Update(c.Param("id"), m)
	if err != nil {
		writeMutationError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) remove(c *gin.Context) {
	if err := s.registry.Remove(c.Param("id")); err != nil {
		writeMutationError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// wake triggers EnsureAwake directly, bypassing the forwarder, so an
// operator can pre-warm a machine from the UI before opening a session.
func (s *Server) wake(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.registry.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "machine not found"})
		return
	}

	if err := s.waker.EnsureAwake(c.Request.Context(), id); err != nil {
		if errors.Is(err, model.ErrWakeTimeout) {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) addPortForward(c *gin.Context) {
	id := c.Param("id")
	m, ok := s.registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "machine not found"})
		return
	}

	var pf model.PortForward
	if err := c.ShouldBindJSON(&pf); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m.PortForwards = append(m.PortForwards, pf)
	updated, err := s.registry.Update(id, m)
	if err != nil {
		writeMutationError(c, err)
		return
	}
	c.JSON(http.StatusCreated, updated)
}

func (s *Server) removePortForward(c *gin.Context) {
	id := c.Param("id")
	m, ok := s.registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "machine not found"})
		return
	}

	localPort, err := strconv.ParseUint(c.Param("localPort"), 10, 16)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid local port"})
		return
	}

	kept := m.PortForwards[:0]
	for _, pf := range m.PortForwards {
		if pf.LocalPort != uint16(localPort) {
			kept = append(kept, pf)
		}
	}
	m.PortForwards = kept

	updated, err := s.registry.Update(id, m)
	if err != nil {
		writeMutationError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// writeMutationError maps registry mutation failures to HTTP status
// codes: validation failures are client errors, listener bind failures
// are a conflict with the current port bindings, unknown machines are
// a 404.
func writeMutationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrListenerBindFailed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
