package models

import "fmt"

// Weight categories the dashboards always expect.
const (
	CategoryDirectional    = "directional"
	CategoryNonDirectional = "non_directional"
)

// Category is one live_weights entry: a category and its active strategies.
type Category struct {
	Name       string
	Strategies []string
}

// LiveWeights lists the active strategies per category, in store order.
// It is read fresh on every tick and query.
type LiveWeights []Category

// ParseCategory decodes a live_weights field value. The value is a JSON object
// of strategy -> weight; strategy order follows the document.
func ParseCategory(name, value string) (Category, error) {
	strategies, err := ObjectKeys([]byte(value))
	if err != nil {
		return Category{}, fmt.Errorf("live weights category %s: %w", name, err)
	}
	return Category{Name: name, Strategies: strategies}, nil
}

// Names returns the category names in order.
func (w LiveWeights) Names() []string {
	names := make([]string, len(w))
	for i, c := range w {
		names[i] = c.Name
	}
	return names
}

// NewStrategyGroups returns groups seeded with the categories dashboards read
// unconditionally.
func NewStrategyGroups() StrategyGroups {
	return StrategyGroups{
		CategoryNonDirectional: []NamedSeries{},
		CategoryDirectional:    []NamedSeries{},
	}
}
