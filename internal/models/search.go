package models

import (
	"strings"
)

// SearchRequest is the immutable input of one visual search.
type SearchRequest struct {
	ImagePath          string   `json:"image_path"`
	ForceFullImageCrop bool     `json:"force_full_crop"`
	Keywords           []string `json:"keywords,omitempty"`
}

// NormalizedKeywords drops blank entries. Kept keywords are matched as
// given, surrounding spaces included.
func (r SearchRequest) NormalizedKeywords() []string {
	out := make([]string, 0, len(r.Keywords))
	for _, kw := range r.Keywords {
		if strings.TrimSpace(kw) != "" {
			out = append(out, kw)
		}
	}
	return out
}

// RawListing is one scraped result card before filtering.
type RawListing struct {
	Title           string
	PriceText       string
	Sales           string
	MOQ             string
	ShopName        string
	ImageURL        string
	TrackingBlob    string
	IsSponsored     bool
	SimilarityScore float64
	DetailURL       string
}

// SearchResult is the public, ranked record.
type SearchResult struct {
	Title    string  `json:"title"`
	Price    string  `json:"price"`
	Sales    string  `json:"sales"`
	MOQ      string  `json:"moq"`
	ShopName string  `json:"shopName"`
	ItemURL  string  `json:"itemUrl"`
	ImageURL string  `json:"imageUrl"`
	IsAd     bool    `json:"isAd"`
	CosScore float64 `json:"cosScore"`
}

func (l RawListing) ToResult(price string) SearchResult {
	return SearchResult{
		Title:    l.Title,
		Price:    price,
		Sales:    l.Sales,
		MOQ:      l.MOQ,
		ShopName: l.ShopName,
		ItemURL:  l.DetailURL,
		ImageURL: l.ImageURL,
		IsAd:     l.IsSponsored,
		CosScore: l.SimilarityScore,
	}
}
