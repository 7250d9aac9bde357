package api

import (
	"net/http"

	"github.com/cnpem/boltz-slurm/internal/config"
	"github.com/cnpem/boltz-slurm/internal/files"
	"github.com/cnpem/boltz-slurm/internal/health"
	"github.com/cnpem/boltz-slurm/internal/job"
	"github.com/cnpem/boltz-slurm/internal/observability"
)

// Config holds HTTP surface configuration.
type Config struct {
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:6868" envSeparator:","`
	SubmitRateLimit    float64  `env:"SUBMIT_RATE_LIMIT" envDefault:"0"` // POST requests per second, 0 disables
	SubmitRateBurst    int      `env:"SUBMIT_RATE_BURST" envDefault:"5"`
}

// LoadConfigFromEnv loads HTTP configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	return config.Parse[Config]()
}

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Files         *files.Gateway
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	Config        Config
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Files, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints
	mux.HandleFunc("GET /health", handler.Health)
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Submission and uploads
	mux.HandleFunc("POST /predict", handler.Predict)
	mux.HandleFunc("POST /upload_msa", handler.UploadAlignment)
	mux.HandleFunc("POST /upload_template", handler.UploadTemplate)

	// Job status and artifacts
	mux.HandleFunc("GET /api/jobs", handler.ListJobs)
	mux.HandleFunc("GET /api/jobs/{jobId}", handler.GetJob)
	mux.HandleFunc("GET /api/jobs/{jobId}/results", handler.GetResults)
	mux.HandleFunc("GET /api/jobs/{jobId}/file/{filename}", handler.GetFile)
	mux.HandleFunc("GET /api/jobs/{jobId}/pdb", handler.GetStructure)
	mux.HandleFunc("GET /api/jobs/{jobId}/archive", handler.GetArchive)

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = RateLimitMiddleware(cfg.Config.SubmitRateLimit, cfg.Config.SubmitRateBurst)(h)
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware(cfg.Config.CORSAllowedOrigins)(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
