// Package prometheus holds registry helpers shared by services and common
// packages: registration that tolerates repeats and the /metrics handler.
package prometheus

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registerer returns r, or the process-wide registerer when r is nil.
func Registerer(r prometheus.Registerer) prometheus.Registerer {
	if r == nil {
		return prometheus.DefaultRegisterer
	}
	return r
}

// Register registers every collector in r (nil means the default registerer).
// A collector that is already registered is skipped; the first other error
// stops registration and is returned.
func Register(r prometheus.Registerer, cs ...prometheus.Collector) error {
	r = Registerer(r)
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// MustRegister is Register that panics on conflicts. Используется из init()
// и однократной регистрации при старте.
func MustRegister(r prometheus.Registerer, cs ...prometheus.Collector) {
	if err := Register(r, cs...); err != nil {
		panic(err)
	}
}

// Handler serves the metrics of g (nil means the default gatherer). Ошибка
// одного коллектора не роняет весь ответ.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
