package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
)

const (
	historyPath = "/your-orders/orders"
	detailPath  = "/gp/your-account/order-details/"
)

// Site builds the order history URLs for one storefront.
type Site struct {
	base string
}

var _ crawler.SiteMap = (*Site)(nil)

// NewSite validates baseURL and returns a Site rooted at it.
func NewSite(baseURL string) (*Site, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	return &Site{base: u.Scheme + "://" + u.Host}, nil
}

// HistoryURL is the order history root, which also carries the year dropdown.
func (s *Site) HistoryURL() string {
	return s.base + historyPath
}

// YearPageURL returns the 1-based list page of year.
func (s *Site) YearPageURL(year, page int) string {
	if page < 1 {
		page = 1
	}
	q := url.Values{}
	q.Set("timeFilter", fmt.Sprintf("year-%d", year))
	q.Set("startIndex", fmt.Sprintf("%d", (page-1)*crawler.OrdersPerPage))
	return s.HistoryURL() + "?" + q.Encode()
}

// OrderURL builds the detail page of an order from its number alone.
func (s *Site) OrderURL(orderNo string) string {
	q := url.Values{}
	q.Set("orderID", orderNo)
	return s.base + detailPath + "?" + q.Encode()
}
