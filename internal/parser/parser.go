package parser

import (
	"github.com/maltedev/visual-search-scraper/internal/models"
)

// Parser turns a results-page DOM snapshot into raw listings.
type Parser interface {
	ParseListings(html string) ([]models.RawListing, error)
}
