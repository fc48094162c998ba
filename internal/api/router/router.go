package router

import (
	"net/http"

	"github.com/cuongbtq/transcode-worker/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures the ops router. metrics may be nil.
func SetupRouter(deps *handler.Dependencies, metrics http.Handler) *gin.Engine {
	r := gin.New()
	// job ids contain '/', clients escape them as %2F inside one segment
	r.UseRawPath = true
	r.UnescapePathValues = true

	r.Use(RecoveryMiddleware(deps.Logger))
	r.Use(LoggerMiddleware(deps.Logger))

	system := handler.NewSystemHandler(deps)
	jobHandler := handler.NewJobHandler(deps)

	r.GET("/health", system.Health)
	r.GET("/ready", system.Ready)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// GET /api/v1/jobs - In-flight jobs on this node
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - One in-flight job
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/replay - Put a request or dead letter back on the queue
			jobs.POST("/replay", jobHandler.ReplayJob)
		}

		v1.GET("/profiles", system.ListProfiles)
		v1.GET("/nodes", system.ListNodes)
		v1.GET("/videos/:video_id", system.GetVideo)
	}

	return r
}
