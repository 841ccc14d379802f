package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/exitbot/internal/domain"
)

// Strategy define el contrato de una señal de salida.
// Las implementaciones son puras: sin estado, seguras en cada iteración del loop.
type Strategy interface {
	// Name devuelve el identificador único de la estrategia.
	Name() string

	// Generate evalúa la última cotización contra el precio objetivo del bucket.
	Generate(quote domain.Quote, target decimal.Decimal) domain.Signal
}

// Registry mantiene las estrategias disponibles indexadas por nombre.
type Registry map[string]Strategy

// NewRegistry crea un registry con las estrategias incluidas.
func NewRegistry() Registry {
	r := make(Registry)
	r.Register(TakeProfit{})
	return r
}

// Register añade una estrategia al registry.
func (r Registry) Register(s Strategy) {
	r[s.Name()] = s
}

// Get busca una estrategia por nombre.
func (r Registry) Get(name string) (Strategy, error) {
	s, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("strategy: unknown %q", name)
	}
	return s, nil
}
