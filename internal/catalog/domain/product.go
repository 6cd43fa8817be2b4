package domain

// Product is the catalog row the engine reads at reserve and commit
// time. StockOnHand is only meaningful when TrackStock is set; the
// engine never writes it outside reservation accounting.
type Product struct {
	ID          string
	Name        string
	ImageURL    string
	PriceCents  int64
	StockOnHand int
	TrackStock  bool
	Active      bool
}
