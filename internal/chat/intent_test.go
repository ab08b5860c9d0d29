package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyzeIntentAggregation(t *testing.T) {
	for _, q := range []string{
		"how many orders were placed",
		"berapa banyak produk yang tersedia",
		"total revenue this month",
		"produk dengan harga tertinggi",
	} {
		intent := AnalyzeIntent(q)
		assert.True(t, intent.Aggregation, q)
		assert.False(t, intent.Search, q)
	}
}

func TestAnalyzeIntentComparison(t *testing.T) {
	intent := AnalyzeIntent("compare sales between January and February")
	assert.True(t, intent.Comparison)

	intent = AnalyzeIntent("bandingkan penjualan bulan ini dengan bulan lalu")
	assert.True(t, intent.Comparison)
}

func TestAnalyzeIntentListing(t *testing.T) {
	intent := AnalyzeIntent("tampilkan semua pelanggan")
	assert.True(t, intent.Listing)
}

func TestAnalyzeIntentSearchIsDefault(t *testing.T) {
	intent := AnalyzeIntent("laptop gaming murah")
	assert.True(t, intent.Search)
	assert.False(t, intent.Aggregation)
}

func TestNeedsDecomposition(t *testing.T) {
	assert.True(t, AnalyzeIntent("how many orders? and what is the total revenue?").NeedsDecomposition,
		"two question marks")
	assert.True(t, AnalyzeIntent("list the products and also show the suppliers").NeedsDecomposition,
		"strong conjunction")
	assert.False(t, AnalyzeIntent("how many orders were placed").NeedsDecomposition)
	assert.False(t, AnalyzeIntent("stok ALO 500").NeedsDecomposition)
}

func TestRuleSplit(t *testing.T) {
	parts := RuleSplit("list the products and also show the suppliers")
	assert.Equal(t, []string{"list the products", "show the suppliers"}, parts)

	parts = RuleSplit("berapa stok beras dan berapa harga gula")
	assert.Equal(t, []string{"berapa stok beras", "berapa harga gula"}, parts)

	// Queries that do not split cleanly come back whole.
	parts = RuleSplit("stok ALO")
	assert.Equal(t, []string{"stok ALO"}, parts)
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "id", DetectLanguage("berapa banyak produk yang tersedia"))
	assert.Equal(t, "id", DetectLanguage("tampilkan semua barang dengan harga murah"))
	assert.Equal(t, "en", DetectLanguage("how many products are in stock"))
	assert.Equal(t, "en", DetectLanguage("show me the most expensive items"))
	assert.Equal(t, "en", DetectLanguage("xyzzy"), "unknown text defaults to English")
}
