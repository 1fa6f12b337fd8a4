package domain

type Product struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Price  Money  `json:"price"`
	Active bool   `json:"active"`
}

// Purchasable reports whether the product may be put into a cart.
func (p *Product) Purchasable() bool {
	return p != nil && p.Active
}
