package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var registerOnce sync.Once

// Register registers every collector with the default registry. Must be called once from main.
func Register() {
	registerOnce.Do(func() {
		collectors := append(storeCollectors(), embeddingCollectors()...)
		collectors = append(collectors, httpRequestDuration, httpRequestsTotal)
		prometheus.MustRegister(collectors...)
	})
}
