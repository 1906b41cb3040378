package consul

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	consulapi "github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dante-gpu/clustercheck/internal/config"
)

// fakeAgent serves the handful of Consul HTTP endpoints this package uses.
type fakeAgent struct {
	mu       sync.Mutex
	services map[string]*consulapi.AgentServiceRegistration
}

func newFakeAgent(t *testing.T) (*fakeAgent, *httptest.Server) {
	f := &fakeAgent{services: make(map[string]*consulapi.AgentServiceRegistration)}
	r := chi.NewRouter()
	r.Get("/v1/agent/self", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"Config": map[string]any{"NodeName": "test"}})
	})
	r.Put("/v1/agent/service/register", func(w http.ResponseWriter, req *http.Request) {
		var reg consulapi.AgentServiceRegistration
		if err := json.NewDecoder(req.Body).Decode(&reg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.services[reg.ID] = &reg
		f.mu.Unlock()
	})
	r.Put("/v1/agent/service/deregister/{id}", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		delete(f.services, chi.URLParam(req, "id"))
		f.mu.Unlock()
	})
	r.Get("/v1/health/service/{name}", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		entries := []*consulapi.ServiceEntry{}
		for _, reg := range f.services {
			if reg.Name != chi.URLParam(req, "name") {
				continue
			}
			entries = append(entries, &consulapi.ServiceEntry{
				Node:    &consulapi.Node{Node: "test", Address: "10.9.9.9"},
				Service: &consulapi.AgentService{ID: reg.ID, Service: reg.Name, Address: reg.Address, Port: reg.Port},
			})
		}
		w.Header().Set("X-Consul-Index", "1")
		_ = json.NewEncoder(w).Encode(entries)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return f, srv
}

func TestRegisterAndLocateHead(t *testing.T) {
	logger := zaptest.NewLogger(t)
	agent, srv := newFakeAgent(t)

	client, err := Connect(strings.TrimPrefix(srv.URL, "http://"), logger)
	require.NoError(t, err)

	cfg := config.ConsulConfig{
		ServiceName:         "clustercheck-head",
		HealthCheckPath:     "/healthz",
		HealthCheckInterval: 10 * time.Second,
		HealthCheckTimeout:  2 * time.Second,
	}
	head := Head{ServiceID: "clustercheck-head-node-a", ControlPlaneURL: "nats://10.0.0.1:4222", HTTPAddr: ":8266"}
	require.NoError(t, RegisterHead(client, cfg, head, logger))

	agent.mu.Lock()
	reg := agent.services[head.ServiceID]
	agent.mu.Unlock()
	require.NotNil(t, reg)
	assert.Equal(t, 4222, reg.Port)
	assert.Equal(t, "10.0.0.1", reg.Address)
	assert.Equal(t, "http://10.0.0.1:8266/healthz", reg.Check.HTTP)

	locator := NewLocator(client, cfg.ServiceName, logger)
	addr, err := locator.LocateHead(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "nats://10.0.0.1:4222", addr)

	require.NoError(t, Deregister(client, head.ServiceID, logger))
	_, err = locator.LocateHead(context.Background())
	assert.Error(t, err)
}

func TestRegisterHeadRejectsURLWithoutPort(t *testing.T) {
	logger := zaptest.NewLogger(t)
	_, srv := newFakeAgent(t)
	client, err := Connect(strings.TrimPrefix(srv.URL, "http://"), logger)
	require.NoError(t, err)

	err = RegisterHead(client, config.ConsulConfig{ServiceName: "x"}, Head{ServiceID: "x", ControlPlaneURL: "nats://head", HTTPAddr: ":8266"}, logger)
	assert.Error(t, err)
}
