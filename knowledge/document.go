package knowledge

import (
	"time"

	"github.com/x402-foundation/premium"
)

// SchemaContext is the JSON-LD vocabulary of published documents
const SchemaContext = "https://schema.org"

// BuildDocument shapes purchased content as a JSON-LD Dataset of ScholarlyArticles.
// The top-level "query" field is what Query filters on.
func BuildDocument(content premium.PublishedContent) premium.Document {
	parts := make([]map[string]interface{}, 0, len(content.Items))
	for _, item := range content.Items {
		parts = append(parts, article(item))
	}

	return premium.Document{
		"@context":      SchemaContext,
		"@type":         "Dataset",
		"name":          "Premium research results: " + content.Query,
		"query":         content.Query,
		"transactionId": content.TransactionID,
		"dateCreated":   content.PurchasedAt.UTC().Format(time.RFC3339),
		"hasPart":       parts,
	}
}

func article(item premium.ContentItem) map[string]interface{} {
	out := map[string]interface{}{
		"@type": "ScholarlyArticle",
		"@id":   item.DedupKey(),
		"name":  item.Title,
	}
	if len(item.Authors) > 0 {
		authors := make([]map[string]string, 0, len(item.Authors))
		for _, name := range item.Authors {
			authors = append(authors, map[string]string{"@type": "Person", "name": name})
		}
		out["author"] = authors
	}
	if item.Venue != "" {
		out["isPartOf"] = item.Venue
	}
	if item.Year > 0 {
		out["datePublished"] = item.Year
	}
	if item.DOI != "" {
		out["identifier"] = "https://doi.org/" + item.DOI
	}
	if item.Abstract != "" {
		out["abstract"] = item.Abstract
	}
	if item.URL != "" {
		out["url"] = item.URL
	}
	if item.FullTextURL != "" {
		out["encoding"] = map[string]string{"@type": "MediaObject", "contentUrl": item.FullTextURL}
	}
	return out
}
