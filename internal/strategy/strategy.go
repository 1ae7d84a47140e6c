// Package strategy contiene las estrategias de scoring que proponen entradas
// y salidas sobre el núcleo de seguridad.
package strategy

import (
	"fmt"
	"sort"

	"github.com/alejandrodnm/lpbot/internal/ports"
)

// Registry mantiene las estrategias disponibles indexadas por nombre.
type Registry map[string]ports.Strategy

// NewRegistry crea un registry con las estrategias incluidas, construidas con cfg.
func NewRegistry(cfg MicroScoreConfig) Registry {
	r := make(Registry)
	r.Register(microScoreName, NewMicroScore(cfg))
	return r
}

// Register añade una estrategia al registry.
func (r Registry) Register(name string, s ports.Strategy) {
	r[name] = s
}

// Get devuelve la estrategia por nombre.
func (r Registry) Get(name string) (ports.Strategy, error) {
	s, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("strategy.Get: unknown strategy %q (have %v)", name, r.names())
	}
	return s, nil
}

func (r Registry) names() []string {
	out := make([]string, 0, len(r))
	for n := range r {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
