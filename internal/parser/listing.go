package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/visual-search-scraper/internal/models"
)

const (
	CurrencyPrefix   = "¥"
	PriceUnavailable = "暂无"
	moqMarker        = "起批"
	detailURLFormat  = "https://detail.1688.com/offer/%s.html"
)

// Selectors is the markup contract of the results surface. The site treats
// it as a moving target; keep every selector here.
type Selectors struct {
	Card        string
	Title       string
	Price       string
	Shop        string
	Image       string
	Desc        string
	Contact     string
	ContactAttr string
	ImageAttrs  []string
	TrackAttrs  []string
	AdMarkers   []string
}

func DefaultSelectors() Selectors {
	return Selectors{
		Card:        `div[class*="searchOfferWrapper"]`,
		Title:       `div[class*="titleText"]`,
		Price:       `div[class*="textMain"]`,
		Shop:        `div[class*="shopName"]`,
		Image:       `img[class*="mainImg"]`,
		Desc:        `div[class*="colDescAfter"] div[class*="descText"]`,
		Contact:     `.J_WangWang`,
		ContactAttr: "data-extra",
		ImageAttrs:  []string{"src", "data-src", "data-lazy-src"},
		TrackAttrs:  []string{"data-aplus-report", "data-tracker"},
		AdMarkers:   []string{"offerType:e_p4p", "offerType:p4p"},
	}
}

type ListingParser struct {
	selectors       Selectors
	scorePattern    *regexp.Regexp
	objectIDPattern *regexp.Regexp
}

func NewListingParser() *ListingParser {
	return NewListingParserWithSelectors(DefaultSelectors())
}

func NewListingParserWithSelectors(sel Selectors) *ListingParser {
	return &ListingParser{
		selectors:       sel,
		scorePattern:    regexp.MustCompile(`(?i)cosScore.*?(\d+(?:\.\d+)?|\.\d+)`),
		objectIDPattern: regexp.MustCompile(`object_id@(\d+)`),
	}
}

// CardSelector is the results-container selector the browser waits on.
func (p *ListingParser) CardSelector() string {
	return p.selectors.Card
}

func (p *ListingParser) ParseListings(html string) ([]models.RawListing, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	var listings []models.RawListing
	doc.Find(p.selectors.Card).Each(func(_ int, card *goquery.Selection) {
		listings = append(listings, p.parseCard(card))
	})

	return listings, nil
}

func (p *ListingParser) parseCard(card *goquery.Selection) models.RawListing {
	listing := models.RawListing{
		Title:     firstText(card, p.selectors.Title),
		PriceText: firstText(card, p.selectors.Price),
		ShopName:  firstText(card, p.selectors.Shop),
		ImageURL:  p.extractImage(card),
	}

	listing.Sales, listing.MOQ = p.extractSalesAndMOQ(card)

	for _, attr := range p.selectors.TrackAttrs {
		if v, ok := card.Attr(attr); ok && v != "" {
			listing.TrackingBlob = v
			break
		}
	}

	listing.IsSponsored = p.IsSponsored(listing.TrackingBlob)
	listing.SimilarityScore = p.SimilarityScore(listing.TrackingBlob)
	listing.DetailURL = p.extractDetailURL(card, listing.TrackingBlob)

	return listing
}

// IsSponsored reports whether the tracking blob marks a paid placement.
func (p *ListingParser) IsSponsored(blob string) bool {
	for _, marker := range p.selectors.AdMarkers {
		if strings.Contains(blob, marker) {
			return true
		}
	}
	return false
}

// SimilarityScore reads the site's cosScore out of the tracking blob.
// Absent or unparsable scores are 0.
func (p *ListingParser) SimilarityScore(blob string) float64 {
	m := p.scorePattern.FindStringSubmatch(blob)
	if len(m) < 2 {
		return 0
	}
	score, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return score
}

func (p *ListingParser) extractImage(card *goquery.Selection) string {
	img := card.Find(p.selectors.Image).First()
	if img.Length() == 0 {
		return ""
	}
	for _, attr := range p.selectors.ImageAttrs {
		if v, ok := img.Attr(attr); ok {
			if v = strings.TrimSpace(v); v != "" {
				if strings.HasPrefix(v, "//") {
					v = "https:" + v
				}
				return v
			}
		}
	}
	return ""
}

func (p *ListingParser) extractSalesAndMOQ(card *goquery.Selection) (sales, moq string) {
	descs := card.Find(p.selectors.Desc)
	switch {
	case descs.Length() >= 2:
		return collapseSpace(descs.Eq(0).Text()), collapseSpace(descs.Eq(1).Text())
	case descs.Length() == 1:
		text := collapseSpace(descs.Eq(0).Text())
		if strings.Contains(text, moqMarker) {
			return "", text
		}
		return text, ""
	}
	return "", ""
}

// extractDetailURL tries the contact widget's JSON payload first and the
// tracking blob's object id second.
func (p *ListingParser) extractDetailURL(card *goquery.Selection, blob string) string {
	if raw, ok := card.Find(p.selectors.Contact).First().Attr(p.selectors.ContactAttr); ok {
		if id := offerIDFromExtra(raw); id != "" {
			return DetailURL(id)
		}
	}

	if m := p.objectIDPattern.FindStringSubmatch(blob); len(m) == 2 {
		return DetailURL(m[1])
	}

	return ""
}

func offerIDFromExtra(raw string) string {
	var extra map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&extra); err != nil {
		return ""
	}

	switch v := extra["offerId"].(type) {
	case json.Number:
		return v.String()
	case string:
		return strings.TrimSpace(v)
	}
	return ""
}

func DetailURL(offerID string) string {
	return fmt.Sprintf(detailURLFormat, offerID)
}

// FormatPrice prefixes the currency glyph, or returns the unavailable
// sentinel for an empty price.
func FormatPrice(text string) string {
	if text == "" {
		return PriceUnavailable
	}
	return CurrencyPrefix + text
}

func firstText(s *goquery.Selection, selector string) string {
	return collapseSpace(s.Find(selector).First().Text())
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
