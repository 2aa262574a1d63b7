package server

import (
	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
)

// newAPIRouters will return the api router
func (s *Server) newAPIRouters() *gin.Engine {
	gin.DisableConsoleColor()
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(requestid.New())
	router.Use(gin.Recovery())

	v1 := router.Group("/api/v1")
	{
		v1.POST("/points", s.writePoint)
		v1.GET("/points/:series", s.readPoints)

		v1.GET("/status", s.status)
		v1.GET("/table", s.fetchTable)

		v1.POST("/nodes", s.addNode)
		v1.DELETE("/nodes", s.removeNode)
	}
	return router
}
