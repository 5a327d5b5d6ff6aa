package document

// Stats is the per-merchant aggregate served from the document_stats view.
type Stats struct {
	MerchantID   string         `json:"merchant_id"`
	Total        int64          `json:"total"`
	ByType       map[Type]int64 `json:"by_type"`
	Recent       int64          `json:"recent"`
	AvgWordCount float64        `json:"avg_word_count"`
}

// EmptyStats returns zero counts for every known type.
func EmptyStats(merchantID string) Stats {
	byType := make(map[Type]int64, len(Types))
	for _, t := range Types {
		byType[t] = 0
	}
	return Stats{MerchantID: merchantID, ByType: byType}
}
