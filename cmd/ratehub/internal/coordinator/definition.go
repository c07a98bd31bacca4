package coordinator

import (
	"github.com/shopspring/decimal"

	"github.com/shubham-shewale/ratehub/pkg/config"
)

// Definition describes one calculated rate
type Definition struct {
	OutputName string
	Engine     string
	// Formula yields the bid, and the ask too when AskFormula is empty
	Formula    string
	AskFormula string
	Inputs     []string
	Helpers    map[string]decimal.Decimal
}

func (d Definition) helperNames() []string {
	names := make([]string, 0, len(d.Helpers))
	for name := range d.Helpers {
		names = append(names, name)
	}
	return names
}

// DefinitionsFromConfig converts the configured calculated rates
func DefinitionsFromConfig(cfgs []config.CalculatedRateConfig) []Definition {
	defs := make([]Definition, 0, len(cfgs))
	for _, c := range cfgs {
		helpers := make(map[string]decimal.Decimal, len(c.Helpers))
		for _, h := range c.Helpers {
			helpers[h.Name] = decimal.NewFromFloat(h.Value)
		}
		defs = append(defs, Definition{
			OutputName: c.Name,
			Engine:     c.Engine,
			Formula:    c.Formula,
			AskFormula: c.AskFormula,
			Inputs:     append([]string(nil), c.Inputs...),
			Helpers:    helpers,
		})
	}
	return defs
}
