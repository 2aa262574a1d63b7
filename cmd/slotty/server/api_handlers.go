package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Lord-Y/slotty"
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
)

// writePoint routes the point by series and writes it to the slot group
func (s *Server) writePoint(c *gin.Context) {
	var data pointRequest
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.cluster.Write(c.Request.Context(), data.Series, []byte(data.Point)); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "OK"})
}

// readPoints returns every point of the series.
// The consistency query parameter accepts strong or weak
func (s *Server) readPoints(c *gin.Context) {
	series := c.Params.ByName("series")
	consistency, ok := s.consistency(c)
	if !ok {
		return
	}

	result, err := s.cluster.Read(c.Request.Context(), series, []byte(series), consistency)
	if err != nil {
		s.abort(c, err)
		return
	}

	var points [][]byte
	if err := json.Unmarshal(result, &points); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	response := pointsResponse{Series: series, Points: make([]string, 0, len(points))}
	for _, point := range points {
		response.Points = append(response.Points, string(point))
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.cluster.Status())
}

// fetchTable reads the partition table from the meta group
func (s *Server) fetchTable(c *gin.Context) {
	consistency, ok := s.consistency(c)
	if !ok {
		return
	}
	table, err := s.cluster.FetchPartitionTable(c.Request.Context(), consistency)
	if err != nil {
		s.abort(c, err)
		return
	}

	response := tableResponse{
		Version:           table.Version(),
		TotalSlots:        table.TotalSlots(),
		ReplicationFactor: table.ReplicationFactor(),
		Nodes:             table.AllNodes(),
	}
	for _, group := range table.Groups() {
		response.Groups = append(response.Groups, groupResponse{Group: group, Slots: len(table.SlotsOf(group.Header()))})
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) addNode(c *gin.Context) {
	s.changeMembership(c, s.cluster.AddNode)
}

func (s *Server) removeNode(c *gin.Context) {
	s.changeMembership(c, s.cluster.RemoveNode)
}

func (s *Server) changeMembership(c *gin.Context, change func(context.Context, slotty.Node) error) {
	var data nodeRequest
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	node, err := slotty.ParseNode(data.Node)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := change(c.Request.Context(), node); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "OK"})
}

// consistency parses the consistency query parameter, unset means the configured default
func (s *Server) consistency(c *gin.Context) (slotty.ConsistencyLevel, bool) {
	value := c.Query("consistency")
	if value == "" {
		return 0, true
	}
	consistency, err := slotty.ParseConsistencyLevel(value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return 0, false
	}
	return consistency, true
}

// abort maps cluster errors to http statuses
func (s *Server) abort(c *gin.Context, err error) {
	var (
		connection    *slotty.RaftConnectionError
		leaderUnknown *slotty.LeaderUnknownError
		consistency   *slotty.CheckConsistencyError
	)

	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, slotty.ErrRequestFailed):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	case errors.As(err, &connection), errors.As(err, &leaderUnknown),
		errors.As(err, &consistency), errors.Is(err, slotty.ErrSlotMoved),
		errors.Is(err, slotty.ErrGroupNotFound):
		code = http.StatusServiceUnavailable
	}

	s.Logger.Debug().Err(err).
		Str("requestId", requestid.Get(c)).
		Str("path", c.FullPath()).
		Msgf("Request failed")
	c.JSON(code, gin.H{"error": err.Error()})
}
