// Package routes wires the HTTP surface: the authenticated /api/v1
// group, the public registration and health endpoints, and /metrics.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fhirbridge/fhirbridge/services/ingestor/auth"
	"github.com/fhirbridge/fhirbridge/services/ingestor/handlers"
	"github.com/fhirbridge/fhirbridge/services/ingestor/middleware"
)

// SetupRoutes registers every endpoint on the router. All /api/v1
// routes except /auth/register require a bearer key.
func SetupRoutes(router *gin.Engine, h *handlers.Handler, provider *auth.Provider) {
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	api.POST("/auth/register", h.Register)

	protected := api.Group("")
	protected.Use(middleware.AuthMiddleware(provider))
	{
		protected.POST("/ingest", h.Ingest)
		protected.GET("/submissions", h.ListSubmissions)
		protected.GET("/patients", h.ListPatients)
		protected.GET("/patients/:pid/history", h.PatientHistory)
		protected.POST("/rerun/:id", h.Rerun)
		protected.POST("/submissions/:id/notes", h.SaveNotes)
		protected.POST("/submissions/:id/ai_summary", h.GenerateSummary)
		protected.GET("/files/*relpath", h.ServeFile)
	}
}
