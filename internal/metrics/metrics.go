// Package metrics owns the service's Prometheus registry and the observe
// helpers layered on top of it. The registry is private: every instrument is
// registered through the Provider so tests can scrape an isolated registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BuildInfo labels the eogrid_build_info gauge. Empty fields are exported as
// empty labels, not omitted.
type BuildInfo struct {
	Version   string
	Revision  string
	Branch    string
	BuildDate string
}

type Provider struct {
	reg *prometheus.Registry
}

// Init builds the registry with the standard Go and process collectors plus
// the build-info gauge.
func Init(build BuildInfo) *Provider {
	reg := prometheus.NewRegistry()

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	info := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eogrid_build_info",
			Help: "Build info for this binary (value is always 1).",
		},
		[]string{"version", "revision", "branch", "build_date"},
	)
	reg.MustRegister(info)
	if build.Version == "" {
		build.Version = "dev"
	}
	info.WithLabelValues(build.Version, build.Revision, build.Branch, build.BuildDate).Set(1)

	return &Provider{reg: reg}
}

// Handler serves the scrape endpoint for this provider's registry.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

func (p *Provider) Register(cs ...prometheus.Collector) {
	for _, c := range cs {
		p.reg.MustRegister(c)
	}
}
