package telemetry

import (
	"net/http"

	"codeberg.org/mutker/thermalctl/internal/thermal"
	"github.com/prometheus/client_golang/prometheus"
)

// Exporter turns tick reports into Prometheus metrics
type Exporter interface {
	thermal.Observer
	Gatherer() prometheus.Gatherer
	Handler() http.Handler
}
