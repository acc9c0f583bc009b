package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wakezilla/internal/model"
	"wakezilla/internal/registry"
)

type staticWaker struct {
	err error
}

func (w staticWaker) EnsureAwake(context.Context, string) error { return w.err }

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := registry.New(filepath.Join(t.TempDir(), "machines.json"))
	return New(reg, staticWaker{}), reg
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateMachine(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	w := postJSON(t, router, "/api/machines", model.Machine{
		MAC:         "AA:BB:CC:DD:EE:FF",
		IP:          "192.168.1.50",
		Name:        "desktop",
		CanTurnOff:  true,
		TurnOffPort: 3001,
		PortForwards: []model.PortForward{
			{LocalPort: 8080, TargetPort: 80},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created model.Machine
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", created.MAC, "MAC should be canonicalized to lowercase")
}

func TestCreateMachine_ValidationErrorIs400(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	w := postJSON(t, router, "/api/machines", model.Machine{
		MAC: "00:00:00:00:00:00",
		IP:  "192.168.1.50",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateMachine_DuplicateLocalPortIs400(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	first := model.Machine{
		MAC:          "aa:bb:cc:dd:ee:01",
		IP:           "192.168.1.50",
		PortForwards: []model.PortForward{{LocalPort: 8080, TargetPort: 80}},
	}
	require.Equal(t, http.StatusCreated, postJSON(t, router, "/api/machines", first).Code)

	second := first
	second.MAC = "aa:bb:cc:dd:ee:02"
	assert.Equal(t, http.StatusBadRequest, postJSON(t, router, "/api/machines", second).Code)
}

func TestGetMachine_UnknownIs404(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/machines/nope", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteMachine(t *testing.T) {
	s, reg := newTestServer(t)
	router := s.Router()

	m, err := reg.Insert(model.Machine{MAC: "aa:bb:cc:dd:ee:ff", IP: "192.168.1.50"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/api/machines/"+m.ID, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)

	_, ok := reg.Get(m.ID)
	assert.False(t, ok)
}

func TestWake_TimeoutIs504(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := registry.New(filepath.Join(t.TempDir(), "machines.json"))
	m, err := reg.Insert(model.Machine{MAC: "aa:bb:cc:dd:ee:ff", IP: "192.168.1.50"})
	require.NoError(t, err)

	s := New(reg, staticWaker{err: model.ErrWakeTimeout})
	router := s.Router()

	req := httptest.NewRequest(http.MethodPost, "/api/machines/"+m.ID+"/wake", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestAddAndRemovePortForward(t *testing.T) {
	s, reg := newTestServer(t)
	router := s.Router()

	m, err := reg.Insert(model.Machine{MAC: "aa:bb:cc:dd:ee:ff", IP: "192.168.1.50"})
	require.NoError(t, err)

	w := postJSON(t, router, "/api/machines/"+m.ID+"/port-forwards", model.PortForward{LocalPort: 8080, TargetPort: 80})
	require.Equal(t, http.StatusCreated, w.Code)

	got, ok := reg.Get(m.ID)
	require.True(t, ok)
	require.Len(t, got.PortForwards, 1)

	req := httptest.NewRequest(http.MethodDelete, "/api/machines/"+m.ID+"/port-forwards/8080", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	got, ok = reg.Get(m.ID)
	require.True(t, ok)
	assert.Empty(t, got.PortForwards)
}
