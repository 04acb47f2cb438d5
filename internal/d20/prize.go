package d20

import "fmt"

type Category string

const (
	CategoryDiscount Category = "discount"
	CategoryGift     Category = "gift"
	CategorySpecial  Category = "special"
)

const Sides = 20

type Prize struct {
	Min             int      `json:"min"`
	Max             int      `json:"max"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Code            string   `json:"code,omitempty"`
	Category        Category `json:"category"`
	DiscountPercent float64  `json:"discount_percent,omitempty"`
}

type PrizeTable []Prize

// DefaultPrizeTable is the promotion's prize list. Ranges cover [1, 20].
var DefaultPrizeTable = PrizeTable{
	{
		Min: 1, Max: 5,
		Title:       "5% de desconto",
		Description: "Desconto de 5% na sua próxima compra.",
		Code:        "MAHOYA5", Category: CategoryDiscount, DiscountPercent: 5,
	},
	{
		Min: 6, Max: 10,
		Title:       "10% de desconto",
		Description: "Desconto de 10% na sua próxima compra.",
		Code:        "MAHOYA10", Category: CategoryDiscount, DiscountPercent: 10,
	},
	{
		Min: 11, Max: 14,
		Title:       "15% de desconto",
		Description: "Desconto de 15% na sua próxima compra.",
		Code:        "MAHOYA15", Category: CategoryDiscount, DiscountPercent: 15,
	},
	{
		Min: 15, Max: 17,
		Title:       "Brinde surpresa",
		Description: "Uma vela aromática mini de brinde no seu próximo pedido.",
		Code:        "BRINDE", Category: CategoryGift,
	},
	{
		Min: 18, Max: 19,
		Title:       "20% de desconto",
		Description: "Desconto de 20% na sua próxima compra.",
		Code:        "MAHOYA20", Category: CategoryDiscount, DiscountPercent: 20,
	},
	{
		Min: 20, Max: 20,
		Title:       "Acerto crítico!",
		Description: "Kit especial Mahoya com frete grátis no próximo pedido.",
		Code:        "CRITICO", Category: CategorySpecial,
	},
}

// Lookup returns the prize whose range contains roll. Rolls outside every
// range fall back to the first entry.
func (t PrizeTable) Lookup(roll int) Prize {
	for _, p := range t {
		if roll >= p.Min && roll <= p.Max {
			return p
		}
	}
	return t[0]
}

// Validate checks that the ranges are ordered and cover 1..Sides exactly once.
func (t PrizeTable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("prize table is empty")
	}
	next := 1
	for i, p := range t {
		if p.Min != next {
			return fmt.Errorf("prize %d starts at %d, expected %d", i, p.Min, next)
		}
		if p.Max < p.Min {
			return fmt.Errorf("prize %d has inverted range [%d, %d]", i, p.Min, p.Max)
		}
		next = p.Max + 1
	}
	if next != Sides+1 {
		return fmt.Errorf("prize table ends at %d, expected %d", next-1, Sides)
	}
	return nil
}
