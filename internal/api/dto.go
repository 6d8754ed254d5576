package api

import (
	"time"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
)

type summaryDTO struct {
	Records          int        `json:"records"`
	Orders           int        `json:"orders"`
	ResolvedErrors   int        `json:"resolved_errors"`
	UnresolvedErrors int        `json:"unresolved_errors"`
	LastModified     *time.Time `json:"last_modified,omitempty"`
}

type yearDTO struct {
	Year       int  `json:"year"`
	OrderCount *int `json:"order_count"`
	Pages      int  `json:"pages"`
	Complete   bool `json:"complete"`
}

type recordDTO struct {
	OrderNo      string    `json:"order_no"`
	ItemID       string    `json:"item_id"`
	Title        string    `json:"title"`
	Price        *int64    `json:"price"`
	Quantity     int       `json:"quantity"`
	Category     []string  `json:"category"`
	Seller       string    `json:"seller"`
	Condition    string    `json:"condition"`
	Kind         string    `json:"kind"`
	CatalogID    *string   `json:"catalog_id,omitempty"`
	URL          *string   `json:"url,omitempty"`
	ThumbnailURL *string   `json:"thumbnail_url,omitempty"`
	HasThumbnail bool      `json:"has_thumbnail"`
	OrderDate    time.Time `json:"order_date"`
	Year         int       `json:"year"`
	Page         int       `json:"page"`
}

type errorDTO struct {
	ID         int64     `json:"id"`
	URL        string    `json:"url"`
	Type       string    `json:"error_type"`
	Context    string    `json:"context"`
	Message    string    `json:"message"`
	OrderNo    *string   `json:"order_no,omitempty"`
	ItemName   *string   `json:"item_name,omitempty"`
	Year       *int      `json:"year,omitempty"`
	Page       *int      `json:"page,omitempty"`
	Index      *int      `json:"index,omitempty"`
	RetryCount int       `json:"retry_count"`
	Resolved   bool      `json:"resolved"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
}

func toSummaryDTO(r crawler.Report) summaryDTO {
	orders := make(map[string]struct{}, len(r.Records))
	for _, rec := range r.Records {
		orders[rec.OrderNo] = struct{}{}
	}
	return summaryDTO{
		Records:          len(r.Records),
		Orders:           len(orders),
		ResolvedErrors:   r.ResolvedErrors,
		UnresolvedErrors: r.UnresolvedErrors,
		LastModified:     r.LastModified,
	}
}

func toYearDTO(s crawler.YearStatus) yearDTO {
	return yearDTO{
		Year:       s.Year,
		OrderCount: s.OrderCount,
		Pages:      s.PageCount(),
		Complete:   s.Complete,
	}
}

func toRecordDTO(r crawler.Record) recordDTO {
	category := r.Category
	if category == nil {
		category = []string{}
	}
	return recordDTO{
		OrderNo:      r.OrderNo,
		ItemID:       r.ItemID,
		Title:        r.Title,
		Price:        r.Price,
		Quantity:     r.Quantity,
		Category:     category,
		Seller:       r.Seller,
		Condition:    r.Condition,
		Kind:         string(r.Kind),
		CatalogID:    r.CatalogID,
		URL:          r.URL,
		ThumbnailURL: r.ThumbnailURL,
		HasThumbnail: r.HasThumbnail,
		OrderDate:    r.OrderDate,
		Year:         r.Year,
		Page:         r.Page,
	}
}

func toErrorDTO(e crawler.ErrorLogEntry) errorDTO {
	return errorDTO{
		ID:         e.ID,
		URL:        e.URL,
		Type:       string(e.Type),
		Context:    string(e.Context),
		Message:    e.Message,
		OrderNo:    e.OrderNo,
		ItemName:   e.ItemName,
		Year:       e.Year,
		Page:       e.Page,
		Index:      e.Index,
		RetryCount: e.RetryCount,
		Resolved:   e.Resolved,
		FirstSeen:  e.FirstSeen,
		LastSeen:   e.LastSeen,
	}
}
