package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/adherence"
	"github.com/drfirst/go-dosewatch/internal/api/middleware"
	"github.com/drfirst/go-dosewatch/internal/clock"
	"github.com/drfirst/go-dosewatch/internal/domain/prescription"
	"github.com/drfirst/go-dosewatch/internal/inventory"
	"github.com/drfirst/go-dosewatch/internal/ledger"
	"github.com/drfirst/go-dosewatch/internal/observability/metrics"
	"github.com/drfirst/go-dosewatch/internal/status"
	"github.com/drfirst/go-dosewatch/internal/store"
)

// Deps are the components the API serves
type Deps struct {
	ServiceName   string
	Version       string
	Store         store.Store
	Prescriptions *prescription.Repository
	Ledger        *ledger.Ledger
	Classifier    *status.Classifier
	Adherence     *adherence.Aggregator
	Inventory     *inventory.Projector
	Clock         clock.Clock
	// APIKeys maps key to client ID; empty disables auth
	APIKeys map[string]string
	// Ready reports whether dependencies are reachable
	Ready func(ctx context.Context) error
	// Metrics records per-route request counts; nil records nothing
	Metrics *metrics.Metrics
	// MetricsHandler serves /metrics when set
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

// NewRouter builds the HTTP API
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.ServiceName == "" {
		d.ServiceName = "dosewatch-api"
	}

	prescriptions := NewPrescriptionHandler(d.Prescriptions, logger)
	doses := NewDoseHandler(d.Store, d.Ledger, d.Classifier, logger)
	reports := NewAdherenceHandler(d.Adherence, d.Clock, logger)
	stock := NewInventoryHandler(d.Inventory, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Observe(d.ServiceName, d.Metrics, logger))

	// Health check (no auth)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "healthy",
			"service": d.ServiceName,
			"version": d.Version,
		})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				jsonError(w, fmt.Sprintf("not ready: %v", err), http.StatusServiceUnavailable)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	if d.MetricsHandler != nil {
		r.Handle("/metrics", d.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(d.APIKeys))

		r.Route("/prescriptions", func(r chi.Router) {
			r.Post("/", prescriptions.Create)
			r.Post("/fhir", prescriptions.ImportFHIR)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", prescriptions.Get)
				r.Post("/deactivate", prescriptions.Deactivate)

				r.Get("/doses", doses.ForPrescription)
				r.Get("/doses/{scheduledAt}", doses.Get)
				r.Post("/doses/{scheduledAt}/taken", doses.Taken)
				r.Post("/doses/{scheduledAt}/skipped", doses.Skipped)

				r.Get("/adherence", reports.ForPrescription)

				r.Get("/inventory", stock.Get)
				r.Post("/inventory/refill", stock.Refill)
			})
		})

		r.Route("/patients/{patientID}", func(r chi.Router) {
			r.Get("/prescriptions", prescriptions.ListForPatient)
			r.Get("/doses", doses.ForPatient)
			r.Get("/adherence", reports.ForPatient)
		})
	})

	return r
}
