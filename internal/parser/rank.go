package parser

import (
	"sort"
	"strings"

	"github.com/maltedev/visual-search-scraper/internal/models"
)

const DefaultScoreFloor = 0.30

type RankOptions struct {
	Keywords   []string
	ScoreFloor float64
}

func DefaultRankOptions() RankOptions {
	return RankOptions{ScoreFloor: DefaultScoreFloor}
}

// Filter drops untitled, unlinked and sponsored listings. The score floor only
// applies when at least one listing carries a non-zero score, since some
// pages ship without cosScore at all. Keyword matching is a plain substring
// test on the title.
func Filter(listings []models.RawListing, opts RankOptions) []models.RawListing {
	anyScored := false
	for _, l := range listings {
		if l.SimilarityScore > 0 {
			anyScored = true
			break
		}
	}

	out := make([]models.RawListing, 0, len(listings))
	for _, l := range listings {
		if l.Title == "" || l.DetailURL == "" || l.IsSponsored {
			continue
		}
		if anyScored && l.SimilarityScore < opts.ScoreFloor {
			continue
		}
		if !matchesAny(l.Title, opts.Keywords) {
			continue
		}
		out = append(out, l)
	}
	return out
}

// Rank filters and orders listings by similarity, highest first. Ties keep
// page order.
func Rank(listings []models.RawListing, opts RankOptions) []models.SearchResult {
	kept := Filter(listings, opts)
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].SimilarityScore > kept[j].SimilarityScore
	})

	results := make([]models.SearchResult, 0, len(kept))
	for _, l := range kept {
		results = append(results, l.ToResult(FormatPrice(l.PriceText)))
	}
	return results
}

func matchesAny(title string, keywords []string) bool {
	active := 0
	for _, kw := range keywords {
		if strings.TrimSpace(kw) == "" {
			continue
		}
		active++
		if strings.Contains(title, kw) {
			return true
		}
	}
	return active == 0
}
