package chat

import "strings"

var indonesianWords = map[string]bool{
	"berapa": true, "apa": true, "yang": true, "dengan": true, "dari": true,
	"untuk": true, "semua": true, "tampilkan": true, "tunjukkan": true,
	"cari": true, "jumlah": true, "stok": true, "harga": true, "paling": true,
	"banyak": true, "sedikit": true, "murah": true, "mahal": true,
	"dan": true, "atau": true, "ini": true, "itu": true, "ada": true,
	"bandingkan": true, "daftar": true, "barang": true, "produk": true,
}

var englishWords = map[string]bool{
	"what": true, "how": true, "many": true, "much": true, "show": true,
	"list": true, "find": true, "search": true, "the": true, "all": true,
	"with": true, "and": true, "or": true, "is": true, "are": true,
	"count": true, "total": true, "compare": true, "which": true,
	"highest": true, "lowest": true, "most": true, "least": true,
}

// DetectLanguage scores the query against Indonesian and English keyword
// lists and returns "id" or "en". English wins ties.
func DetectLanguage(query string) string {
	var idScore, enScore int
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		tok = strings.Trim(tok, ".,!?;:'\"()")
		if indonesianWords[tok] {
			idScore++
		}
		if englishWords[tok] {
			enScore++
		}
	}
	if idScore > enScore {
		return "id"
	}
	return "en"
}
