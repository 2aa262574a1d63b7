package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Lord-Y/slotty"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer starts a single node cluster with an in memory store
func newTestServer(t *testing.T) *Server {
	t.Helper()
	config := slotty.DefaultConfig()
	config.Node = slotty.Node{IP: "127.0.0.1", MetaPort: 16001, DataPort: 16002, Identifier: 1}
	config.ReplicationFactor = 1
	config.TotalSlots = 64
	config.ElectionTimeout = 300 * time.Millisecond
	config.HeartbeatInterval = 50 * time.Millisecond
	config.ReadOperationTimeout = 5 * time.Second
	config.WriteOperationTimeout = 5 * time.Second

	nop := zerolog.Nop()
	s := &Server{Logger: &nop, config: config}
	require.NoError(t, s.newCluster(slotty.Options{Store: slotty.NewMemoryStore(), DisableGRPCServer: true}))
	require.NoError(t, s.cluster.Start(context.Background()))
	t.Cleanup(s.cluster.Stop)

	require.Eventually(t, func() bool {
		if s.cluster.MetaMember().Role() != slotty.Leader {
			return false
		}
		member := s.cluster.Member(config.Node)
		return member != nil && member.Role() == slotty.Leader
	}, 10*time.Second, 20*time.Millisecond)
	return s
}

func doRequest(router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func TestServer_api(t *testing.T) {
	assert := assert.New(t)
	s := newTestServer(t)
	router := s.newAPIRouters()

	t.Run("write_and_read_points", func(t *testing.T) {
		for _, point := range []string{"cpu.host1 1 1700000000", "cpu.host1 2 1700000010"} {
			response := doRequest(router, http.MethodPost, "/api/v1/points", pointRequest{Series: "cpu.host1", Point: point})
			assert.Equal(http.StatusOK, response.Code, response.Body.String())
		}

		response := doRequest(router, http.MethodGet, "/api/v1/points/cpu.host1?consistency=strong", nil)
		assert.Equal(http.StatusOK, response.Code, response.Body.String())
		var points pointsResponse
		assert.NoError(json.Unmarshal(response.Body.Bytes(), &points))
		assert.Equal("cpu.host1", points.Series)
		assert.ElementsMatch([]string{"cpu.host1 1 1700000000", "cpu.host1 2 1700000010"}, points.Points)
		assert.NotEmpty(response.Header().Get("X-Request-ID"))
	})

	t.Run("write_missing_field", func(t *testing.T) {
		response := doRequest(router, http.MethodPost, "/api/v1/points", gin.H{"series": "cpu"})
		assert.Equal(http.StatusBadRequest, response.Code)
	})

	t.Run("read_invalid_consistency", func(t *testing.T) {
		response := doRequest(router, http.MethodGet, "/api/v1/points/cpu?consistency=plop", nil)
		assert.Equal(http.StatusBadRequest, response.Code)
	})

	t.Run("table", func(t *testing.T) {
		response := doRequest(router, http.MethodGet, "/api/v1/table", nil)
		assert.Equal(http.StatusOK, response.Code, response.Body.String())
		var table tableResponse
		assert.NoError(json.Unmarshal(response.Body.Bytes(), &table))
		assert.Equal(64, table.TotalSlots)
		assert.Len(table.Nodes, 1)
		if assert.Len(table.Groups, 1) {
			assert.Equal(64, table.Groups[0].Slots)
		}
	})

	t.Run("status", func(t *testing.T) {
		response := doRequest(router, http.MethodGet, "/api/v1/status", nil)
		assert.Equal(http.StatusOK, response.Code)
		assert.Contains(response.Body.String(), `"role":"leader"`)
	})

	t.Run("invalid_node", func(t *testing.T) {
		response := doRequest(router, http.MethodPost, "/api/v1/nodes", nodeRequest{Node: "plop"})
		assert.Equal(http.StatusBadRequest, response.Code)
	})

	t.Run("remove_last_node", func(t *testing.T) {
		response := doRequest(router, http.MethodDelete, "/api/v1/nodes", nodeRequest{Node: "127.0.0.1:16001:16002/1"})
		assert.Equal(http.StatusUnprocessableEntity, response.Code, response.Body.String())
	})
}

func TestServer_buildConfig(t *testing.T) {
	assert := assert.New(t)

	t.Run("flags", func(t *testing.T) {
		s := &Server{
			MetaPort:   16010,
			DataPort:   16011,
			Identifier: 3,
			DataDir:    t.TempDir(),
			Seeds:      []string{"127.0.0.1:16010:16011/3", "127.0.0.1:16020:16021/4"},
		}
		assert.NoError(s.buildConfig())
		assert.Equal("127.0.0.1", s.config.Node.IP)
		assert.Equal(int32(3), s.config.Node.Identifier)
		assert.Len(s.config.Seeds, 2)
		assert.Equal(16020, s.config.Seeds[1].MetaPort)
	})

	t.Run("config_file_overridden", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "slotty.yaml")
		content := "node:\n  ip: 10.0.0.1\n  metaPort: 7000\n  dataPort: 7001\n  identifier: 1\nreplicationFactor: 2\n"
		assert.NoError(os.WriteFile(path, []byte(content), 0o600))

		s := &Server{ConfigFile: path, MetaPort: 7100}
		assert.NoError(s.buildConfig())
		assert.Equal("10.0.0.1", s.config.Node.IP)
		assert.Equal(7100, s.config.Node.MetaPort)
		assert.Equal(2, s.config.ReplicationFactor)
		assert.NotEmpty(s.config.DataDir)
	})

	t.Run("meta_port_required", func(t *testing.T) {
		s := &Server{}
		assert.Error(s.buildConfig())
	})

	t.Run("invalid_seed", func(t *testing.T) {
		s := &Server{MetaPort: 7000, Seeds: []string{"127.0.0.1"}}
		assert.ErrorIs(s.buildConfig(), slotty.ErrInvalidNode)
	})
}
