package parser

import (
	"os"
	"testing"

	"github.com/lithammer/dedent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile("testdata/" + name)
	require.NoError(t, err)
	return string(data)
}

func TestParseListingsFixture(t *testing.T) {
	p := NewListingParser()

	listings, err := p.ParseListings(loadFixture(t, "results.html"))
	require.NoError(t, err)
	require.Len(t, listings, 5)

	first := listings[0]
	assert.Equal(t, "超暴邪王 手办 限量款", first.Title)
	assert.Equal(t, "38.50", first.PriceText)
	assert.Equal(t, "已售1.2万+件", first.Sales)
	assert.Equal(t, "2件起批", first.MOQ)
	assert.Equal(t, "广州动漫玩具厂", first.ShopName)
	assert.Equal(t, "https://cbu01.alicdn.com/img/ibank/700001.jpg", first.ImageURL)
	assert.Equal(t, "https://detail.1688.com/offer/700001.html", first.DetailURL)
	assert.InDelta(t, 0.91, first.SimilarityScore, 1e-9)
	assert.False(t, first.IsSponsored)

	ad := listings[1]
	assert.True(t, ad.IsSponsored)
	assert.InDelta(t, 0.97, ad.SimilarityScore, 1e-9)

	tracker := listings[2]
	assert.Equal(t, "https://cbu01.alicdn.com/img/ibank/700003.jpg", tracker.ImageURL)
	assert.Equal(t, "https://detail.1688.com/offer/700003.html", tracker.DetailURL)
	assert.Equal(t, "", tracker.PriceText)
	assert.Equal(t, "", tracker.Sales)
	assert.Equal(t, "10个起批", tracker.MOQ)

	stringID := listings[3]
	assert.Equal(t, "https://cbu01.alicdn.com/img/ibank/700004.jpg", stringID.ImageURL)
	assert.Equal(t, "https://detail.1688.com/offer/700004.html", stringID.DetailURL)

	assert.Empty(t, listings[4].DetailURL)
	assert.Empty(t, listings[4].ImageURL)
}

func TestParseListingsNoCards(t *testing.T) {
	p := NewListingParser()

	listings, err := p.ParseListings("<html><body><p>没有找到相关商品</p></body></html>")
	require.NoError(t, err)
	assert.Empty(t, listings)
}

func TestParseListingsSingleSalesText(t *testing.T) {
	html := dedent.Dedent(`
		<div class="searchOfferWrapper" data-aplus-report="object_id@42">
			<div class="titleText">帆布包</div>
			<div class="colDescAfter"><div class="descText">已售300件</div></div>
		</div>
	`)

	listings, err := NewListingParser().ParseListings(html)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, "已售300件", listings[0].Sales)
	assert.Empty(t, listings[0].MOQ)
	assert.Zero(t, listings[0].SimilarityScore)
}

func TestDetailURLFallbacks(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{
			name: "contact payload wins over tracking blob",
			html: `<div class="searchOfferWrapper" data-aplus-report="object_id@2">
				<a class="J_WangWang" data-extra='{"offerId":1}'></a></div>`,
			want: "https://detail.1688.com/offer/1.html",
		},
		{
			name: "large numeric id keeps precision",
			html: `<div class="searchOfferWrapper">
				<a class="J_WangWang" data-extra='{"offerId":812345678901234567}'></a></div>`,
			want: "https://detail.1688.com/offer/812345678901234567.html",
		},
		{
			name: "malformed payload falls back to tracking blob",
			html: `<div class="searchOfferWrapper" data-aplus-report="a=1,object_id@3,b=2">
				<a class="J_WangWang" data-extra='{not json'></a></div>`,
			want: "https://detail.1688.com/offer/3.html",
		},
		{
			name: "payload without offer id falls back",
			html: `<div class="searchOfferWrapper" data-tracker="object_id@4">
				<a class="J_WangWang" data-extra='{"memberId":"x"}'></a></div>`,
			want: "https://detail.1688.com/offer/4.html",
		},
		{
			name: "no identifier",
			html: `<div class="searchOfferWrapper" data-aplus-report="cosScore@0.5"></div>`,
			want: "",
		},
	}

	p := NewListingParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			listings, err := p.ParseListings(tt.html)
			require.NoError(t, err)
			require.Len(t, listings, 1)
			assert.Equal(t, tt.want, listings[0].DetailURL)
		})
	}
}

func TestSimilarityScore(t *testing.T) {
	p := NewListingParser()

	tests := []struct {
		blob string
		want float64
	}{
		{"object_id@1|cosScore@0.82", 0.82},
		{"COSSCORE=0.5", 0.5},
		{`{"cosScore":"0.733"}`, 0.733},
		{"cosScore@0.87.", 0.87},
		{"cosScore:0.87.object_id@1", 0.87},
		{"cosScore@.5", 0.5},
		{"object_id@1", 0},
		{"", 0},
	}

	for _, tt := range tests {
		t.Run(tt.blob, func(t *testing.T) {
			assert.InDelta(t, tt.want, p.SimilarityScore(tt.blob), 1e-9)
		})
	}
}

func TestIsSponsored(t *testing.T) {
	p := NewListingParser()

	assert.True(t, p.IsSponsored("a|offerType:e_p4p|b"))
	assert.True(t, p.IsSponsored("offerType:p4p"))
	assert.False(t, p.IsSponsored("offerType:normal"))
	assert.False(t, p.IsSponsored(""))
}

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "¥12.50", FormatPrice("12.50"))
	assert.Equal(t, PriceUnavailable, FormatPrice(""))
}
