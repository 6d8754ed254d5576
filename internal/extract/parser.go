// Package extract reads order history pages with goquery.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/orderhist-crawler/internal/crawler"
)

// Selectors for the order history markup.
const (
	selYearOptions   = `form[action='/your-orders/orders'] .a-dropdown-prompt, form[action='/your-orders/orders'] option, .a-popover-wrapper li`
	selOrderCount    = `span.num-orders`
	selOrderCard     = `div.order-card.js-order-card`
	selCardStatus    = `.yohtmlc-shipment-status-primaryText span`
	selCardOrderNo   = `.yohtmlc-order-id span[dir='ltr']`
	selCardDate      = `li.order-header__header-list-item span.a-color-secondary.aok-break-word`
	selCardDetail    = `li.yohtmlc-order-level-connections a[href*='order-details']`
	selItems         = `div[data-component='purchasedItems']`
	selItemTitle     = `div[data-component='itemTitle'] a`
	selItemImage     = `div[data-component='itemImage'] img`
	selItemPrice     = `div[data-component='unitPrice'] span.a-offscreen`
	selItemSeller    = `div[data-component='orderedMerchant'] a`
	selGiftCardPrice = `div.gift-card-instance div.a-column`
	selBreadcrumb    = `div.a-breadcrumb li a`
)

// Fixed values the site omits for some line kinds.
const (
	DefaultSeller    = "アマゾンジャパン合同会社"
	DefaultCondition = "新品"

	cancelledMarker = "キャンセル済み"
	digitalMarker   = "デジタル注文"
	orderNoMarker   = "注文番号"
	digitalItems    = "注文商品"

	dateLayout        = "2006年1月2日"
	digitalDateLayout = "2006/01/02"
)

var (
	yearLabelRe = regexp.MustCompile(`^\s*(\d{4})年`)
	digitsRe    = regexp.MustCompile(`\d+`)
	priceRe     = regexp.MustCompile(`\d{1,3}(?:,\d{3})*`)
	catalogIDRe = regexp.MustCompile(`/(?:dp|gp/product)/([^/?#]+)`)
	orderNoRe   = regexp.MustCompile(`\d{3}-\d{7}-\d{7}|D\d{2}-\d{7}-\d{7}`)

	errNoItems = errors.New("no purchased items on order page")
)

// Parser implements crawler.Extractor for the order history site.
type Parser struct {
	loc *time.Location
}

var _ crawler.Extractor = (*Parser)(nil)

// NewParser returns a Parser that interprets dates in loc (UTC when nil).
func NewParser(loc *time.Location) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	return &Parser{loc: loc}
}

func document(page crawler.Page) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.HTML))
	if err != nil {
		return nil, crawler.Transient(crawler.ErrorTypeParse, page.URL, fmt.Errorf("parse html: %w", err))
	}
	return doc, nil
}

func text(sel *goquery.Selection) string {
	return strings.Join(strings.Fields(sel.Text()), " ")
}

// Years returns the years offered by the history filter in ascending order.
func (p *Parser) Years(page crawler.Page) ([]int, error) {
	doc, err := document(page)
	if err != nil {
		return nil, err
	}
	seen := map[int]struct{}{}
	doc.Find(selYearOptions).Each(func(_ int, s *goquery.Selection) {
		m := yearLabelRe.FindStringSubmatch(text(s))
		if m == nil {
			return
		}
		year, convErr := strconv.Atoi(m[1])
		if convErr == nil {
			seen[year] = struct{}{}
		}
	})
	if len(seen) == 0 {
		return nil, crawler.Transient(crawler.ErrorTypeParse, page.URL, errors.New("year filter not found"))
	}
	years := make([]int, 0, len(seen))
	for y := range seen {
		years = append(years, y)
	}
	sort.Ints(years)
	return years, nil
}

// OrderCount reads the "N件" counter of a year list page.
func (p *Parser) OrderCount(page crawler.Page) crawler.OrderCount {
	doc, err := document(page)
	if err != nil {
		return crawler.OrderCount{}
	}
	var out crawler.OrderCount
	doc.Find(selOrderCount).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		m := digitsRe.FindString(s.Text())
		if m == "" {
			return true
		}
		n, convErr := strconv.Atoi(m)
		if convErr != nil {
			return true
		}
		out = crawler.OrderCount{Count: n, Found: true}
		return false
	})
	return out
}

// OrderCards returns the order summaries of a list page. A card that cannot be
// read is still returned, with ParseErr set, so its position is kept.
func (p *Parser) OrderCards(page crawler.Page) ([]crawler.OrderCard, error) {
	doc, err := document(page)
	if err != nil {
		return nil, err
	}
	cards := doc.Find(selOrderCard)
	out := make([]crawler.OrderCard, 0, cards.Length())
	cards.Each(func(i int, s *goquery.Selection) {
		out = append(out, p.orderCard(page, i, s))
	})
	return out, nil
}

func (p *Parser) orderCard(page crawler.Page, index int, s *goquery.Selection) crawler.OrderCard {
	card := crawler.OrderCard{
		Index:   index,
		OrderNo: text(s.Find(selCardOrderNo).First()),
	}
	if strings.Contains(s.Find(selCardStatus).Text(), cancelledMarker) {
		card.Cancelled = true
		return card
	}
	if card.OrderNo == "" {
		return card
	}
	date, err := p.ParseDate(text(s.Find(selCardDate).First()))
	if err != nil {
		card.ParseErr = crawler.Transient(crawler.ErrorTypeParse, page.URL, fmt.Errorf("order %s: %w", card.OrderNo, err))
		return card
	}
	card.Date = date
	if href, ok := s.Find(selCardDetail).First().Attr("href"); ok && strings.TrimSpace(href) != "" {
		card.DetailURL = resolve(page.URL, href)
	}
	return card
}

// OrderDetail parses an order detail page. Digital orders use their own
// table layout.
func (p *Parser) OrderDetail(page crawler.Page) (crawler.OrderDetail, error) {
	doc, err := document(page)
	if err != nil {
		return crawler.OrderDetail{}, err
	}
	if marker := findContaining(doc.Find("b"), digitalMarker); marker.Length() > 0 {
		return p.digitalDetail(page, doc, marker)
	}

	detail := crawler.OrderDetail{OrderNo: orderNoFromURL(page.URL)}
	var parseErr error
	doc.Find(selItems).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		item, itemErr := p.purchasedItem(page, s)
		if itemErr != nil {
			parseErr = itemErr
			return false
		}
		detail.Items = append(detail.Items, item)
		return true
	})
	if parseErr != nil {
		return crawler.OrderDetail{}, parseErr
	}
	if len(detail.Items) == 0 {
		return crawler.OrderDetail{}, crawler.Transient(crawler.ErrorTypeParse, page.URL, errNoItems)
	}
	return detail, nil
}

func (p *Parser) purchasedItem(page crawler.Page, s *goquery.Selection) (crawler.OrderItem, error) {
	link := s.Find(selItemTitle).First()
	item := crawler.OrderItem{
		Title:     text(link),
		Quantity:  1,
		Seller:    DefaultSeller,
		Condition: DefaultCondition,
		Kind:      crawler.ItemKindNormal,
	}
	if item.Title == "" {
		return crawler.OrderItem{}, crawler.Transient(crawler.ErrorTypeParse, page.URL, errors.New("item title not found"))
	}
	if href, ok := link.Attr("href"); ok && strings.TrimSpace(href) != "" {
		item.URL = resolve(page.URL, href)
		item.CatalogID = CatalogID(item.URL)
	}
	if src, ok := s.Find(selItemImage).First().Attr("src"); ok && strings.TrimSpace(src) != "" {
		item.ThumbnailURL = resolve(page.URL, src)
	}
	if gift := s.Find(selGiftCardPrice).First(); gift.Length() > 0 {
		item.Kind = crawler.ItemKindGiftCard
		item.PriceText = text(gift)
	} else {
		item.PriceText = text(s.Find(selItemPrice).First())
	}
	item.Price = ParsePrice(item.PriceText)
	if seller := text(s.Find(selItemSeller).First()); seller != "" {
		item.Seller = seller
	}
	return item, nil
}

func (p *Parser) digitalDetail(page crawler.Page, doc *goquery.Document, marker *goquery.Selection) (crawler.OrderDetail, error) {
	fields := strings.Fields(marker.First().Text())
	if len(fields) < 2 {
		return crawler.OrderDetail{}, crawler.Transient(crawler.ErrorTypeParse, page.URL, errors.New("digital order date not found"))
	}
	date, err := p.ParseDigitalDate(fields[1])
	if err != nil {
		return crawler.OrderDetail{}, crawler.Transient(crawler.ErrorTypeParse, page.URL, err)
	}
	detail := crawler.OrderDetail{Date: date}
	if no := findContaining(doc.Find("ul li b"), orderNoMarker); no.Length() > 0 {
		detail.OrderNo = orderNoRe.FindString(no.First().Parent().Text())
	}
	if detail.OrderNo == "" {
		detail.OrderNo = orderNoFromURL(page.URL)
	}

	header := findContaining(doc.Find("tr td b"), digitalItems).First().Closest("tr")
	row := header.NextAllFiltered("tr").First()
	if row.Length() == 0 {
		return crawler.OrderDetail{}, crawler.Transient(crawler.ErrorTypeParse, page.URL, errNoItems)
	}
	cells := row.ChildrenFiltered("td")
	item := crawler.OrderItem{
		Quantity:  1,
		Seller:    DefaultSeller,
		Condition: DefaultCondition,
		Kind:      crawler.ItemKindDigital,
	}
	first := cells.Eq(0)
	if link := first.Find("a").First(); link.Length() > 0 {
		item.Title = text(link)
		if href, ok := link.Attr("href"); ok {
			item.URL = resolve(page.URL, href)
			item.CatalogID = CatalogID(item.URL)
		}
	} else {
		// The store page no longer exists.
		item.Title = text(first.Find("b").First())
	}
	if item.Title == "" {
		return crawler.OrderDetail{}, crawler.Transient(crawler.ErrorTypeParse, page.URL, errors.New("digital item title not found"))
	}
	item.PriceText = text(cells.Eq(1))
	item.Price = ParsePrice(item.PriceText)
	detail.Items = []crawler.OrderItem{item}
	return detail, nil
}

// Categories returns the breadcrumb of an item page, outermost first.
func (p *Parser) Categories(page crawler.Page) ([]string, error) {
	doc, err := document(page)
	if err != nil {
		return nil, err
	}
	out := []string{}
	doc.Find(selBreadcrumb).Each(func(_ int, s *goquery.Selection) {
		if t := text(s); t != "" {
			out = append(out, t)
		}
	})
	return out, nil
}

// ParsePrice extracts the first comma-grouped number in text, or nil.
func ParsePrice(text string) *int64 {
	m := priceRe.FindString(text)
	if m == "" {
		return nil
	}
	n, err := strconv.ParseInt(strings.ReplaceAll(m, ",", ""), 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// ParseDate parses a list page date such as "2023年05月01日".
func (p *Parser) ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, strings.TrimSpace(s), p.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse order date %q: %w", s, err)
	}
	return t, nil
}

// ParseDigitalDate parses a digital order date such as "2023/05/01".
func (p *Parser) ParseDigitalDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(digitalDateLayout, strings.TrimSpace(s), p.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse digital order date %q: %w", s, err)
	}
	return t, nil
}

// CatalogID returns the ASIN embedded in an item URL, or "".
func CatalogID(itemURL string) string {
	m := catalogIDRe.FindStringSubmatch(itemURL)
	if m == nil {
		return ""
	}
	return m[1]
}

func findContaining(sel *goquery.Selection, needle string) *goquery.Selection {
	return sel.FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.Contains(s.Text(), needle)
	})
}

func orderNoFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Query().Get("orderID")
}

func resolve(base, ref string) string {
	ref = strings.TrimSpace(ref)
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil || b.Scheme == "" {
		return r.String()
	}
	return b.ResolveReference(r).String()
}
