package assembler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeOK          = "ok"
	outcomePlaceholder = "placeholder"
)

// tilesTotal counts assembled tiles.
// Labels: outcome (ok, placeholder)
var tilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stereocorr",
	Subsystem: "assembler",
	Name:      "tiles_total",
	Help:      "Total tiles written to a disparity raster",
}, []string{"outcome"})
