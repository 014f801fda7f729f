// Package extract turns a fetched product page into a flat Record.
//
// Extraction is best effort: a field that cannot be found is left empty (or
// nil for the numeric ones) and Extract never fails.
package extract

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Record is the structured content of one product page.
type Record struct {
	Identifier      string            `json:"identifier"`
	URL             string            `json:"url"`
	Title           string            `json:"title"`
	Price           string            `json:"price"`
	ShippingFee     string            `json:"shipping_fee"`
	TotalPrice      string            `json:"total_price"`
	Rating          string            `json:"rating"`
	ReviewCount     string            `json:"review_count"`
	Images          []string          `json:"images"`
	Bullets         []string          `json:"bullets"`
	Description     string            `json:"description"`
	Attributes      map[string]string `json:"attributes"`
	DeliveryInfo    string            `json:"delivery_info"`
	DeliveryDays    *int              `json:"delivery_days,omitempty"`
	FulfillmentType string            `json:"fulfillment_type"`
	// Stock is the purchasable quantity, -1 when the page only says the item
	// is in stock and nil when nothing is known.
	Stock        *int   `json:"stock,omitempty"`
	SellerName   string `json:"seller_name"`
	ReturnPolicy string `json:"return_policy"`
	// RawFile is set by the fetcher when the page was archived.
	RawFile string `json:"raw_file,omitempty"`
}

// Extractor turns a raw document into a Record.
type Extractor interface {
	Extract(doc []byte, url, identifier string) *Record
}

const (
	// BuyingOptions is reported as the price when no featured offer exists.
	BuyingOptions = "See All Buying Options"
	// FreeShipping is reported as the shipping fee when delivery is free.
	FreeShipping = "FREE"

	maxImages      = 10
	maxBullets     = 10
	maxDescription = 2000
)

// HTML extracts Records from storefront product pages.
type HTML struct {
	now func() time.Time
}

// New returns an HTML extractor that computes delivery days relative to the
// wall clock.
func New() *HTML {
	return &HTML{now: time.Now}
}

// NewAt returns an extractor with a fixed clock.
func NewAt(now func() time.Time) *HTML {
	return &HTML{now: now}
}

var (
	ratingRe       = regexp.MustCompile(`([0-9.]+) out of 5`)
	hiResRe        = regexp.MustCompile(`"hiRes"\s*:\s*"(https://[^"]+)"`)
	largeRe        = regexp.MustCompile(`"large"\s*:\s*"(https://[^"]+)"`)
	colorImagesRe  = regexp.MustCompile(`'colorImages'\s*:\s*\{\s*'initial'\s*:\s*\[`)
	priceRe        = regexp.MustCompile(`^\$[\d,.]+$`)
	numberRe       = regexp.MustCompile(`[\d,.]+`)
	plusShippingRe = regexp.MustCompile(`(?i)\+\s*(\$[\d,.]+)\s*shipping`)
	forShippingRe  = regexp.MustCompile(`(?i)(\$[\d,.]+)\s*(?:for\s+)?shipping`)
	freeDeliveryRe = regexp.MustCompile(`(?i)>\s*FREE\s+(?:delivery|Shipping)\s*<`)
	onlyLeftRe     = regexp.MustCompile(`(?i)Only\s+(\d+)\s+left\s+in\s+stock`)
	deliveryDateRe = regexp.MustCompile(`(?i)(?:Delivery|Arrives|Get it)\s+((?:Mon|Tue|Wed|Thu|Fri|Sat|Sun)[a-z]*,?\s+(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\s+\d{1,2})`)
	monthDayRe     = regexp.MustCompile(`(?i)(Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\s+(\d{1,2})`)
	visitStoreRe   = regexp.MustCompile(`Visit the\s+(.+?)\s+Store`)
	spaceRe        = regexp.MustCompile(`\s+`)
)

// Extract parses doc. It never returns nil.
func (h *HTML) Extract(doc []byte, url, identifier string) *Record {
	rec := &Record{Identifier: identifier, URL: url, Attributes: map[string]string{}}
	d, err := goquery.NewDocumentFromReader(bytes.NewReader(doc))
	if err != nil {
		return rec
	}
	raw := string(doc)

	rec.Title = clean(d.Find("#productTitle").First().Text())
	rec.Price = extractPrice(d, raw)
	rec.ShippingFee = extractShippingFee(d, raw)
	rec.TotalPrice = TotalPrice(rec.Price, rec.ShippingFee)
	if m := ratingRe.FindStringSubmatch(d.Find("span.a-icon-alt").First().Text()); m != nil {
		rec.Rating = m[1]
	}
	rec.ReviewCount = clean(d.Find("#acrCustomerReviewText").First().Text())
	rec.Images = extractImages(d, raw)
	rec.Bullets = extractBullets(d)
	rec.Description = extractDescription(d)
	rec.Attributes = extractAttributes(d)
	rec.DeliveryInfo = extractDelivery(d, raw)
	rec.DeliveryDays = h.deliveryDays(d, raw)
	rec.SellerName = extractSeller(d)
	rec.FulfillmentType = extractFulfillment(d, raw, rec.SellerName)
	rec.Stock = extractStock(d, raw)
	rec.ReturnPolicy = extractReturnPolicy(d)
	return rec
}

func clean(s string) string {
	s = strings.NewReplacer("\u200e", "", "\u200f", "", "\u00a0", " ").Replace(s)
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func unavailable(d *goquery.Document) bool {
	if strings.Contains(d.Find("#outOfStock").Text(), "Currently unavailable") {
		return true
	}
	found := false
	d.Find("span.a-color-price").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		found = strings.HasPrefix(clean(s.Text()), "Currently unavailable")
		return !found
	})
	return found
}

func extractPrice(d *goquery.Document, raw string) string {
	if unavailable(d) {
		return ""
	}
	if strings.Contains(raw, "No featured offers available") {
		return BuyingOptions
	}
	if v, ok := d.Find(`input[name="items[0.base][customerVisiblePrice][displayString]"]`).Attr("value"); ok && priceRe.MatchString(v) {
		return v
	}
	if data := d.Find("#twister-plus-buying-options-price-data").Text(); data != "" {
		var parsed struct {
			Group []struct {
				DisplayPrice string `json:"displayPrice"`
			} `json:"desktop_buybox_group_1"`
		}
		if json.Unmarshal([]byte(data), &parsed) == nil && len(parsed.Group) > 0 && priceRe.MatchString(parsed.Group[0].DisplayPrice) {
			return parsed.Group[0].DisplayPrice
		}
	}

	price := ""
	d.Find(`[id^="corePriceDisplay"] .a-price`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.AttrOr("data-a-strike", "") == "true" {
			return true
		}
		if v := clean(s.Find(".a-offscreen").First().Text()); priceRe.MatchString(v) {
			price = v
			return false
		}
		return true
	})
	if price != "" {
		return price
	}
	if v := clean(d.Find(".priceToPay .a-offscreen").First().Text()); priceRe.MatchString(v) {
		return v
	}
	for _, sel := range []string{"#priceblock_ourprice", "#priceblock_dealprice", "#priceblock_saleprice"} {
		if v := clean(d.Find(sel).First().Text()); priceRe.MatchString(v) {
			return v
		}
	}
	if strings.Contains(raw, BuyingOptions) {
		return BuyingOptions
	}
	return ""
}

func extractShippingFee(d *goquery.Document, raw string) string {
	if v, ok := d.Find("[data-csa-c-delivery-price]").First().Attr("data-csa-c-delivery-price"); ok {
		v = strings.TrimSpace(v)
		if strings.EqualFold(v, "free") || v == "$0.00" || v == "0" {
			return FreeShipping
		}
		if priceRe.MatchString(v) {
			return v
		}
	}
	if freeDeliveryRe.MatchString(raw) {
		return FreeShipping
	}
	for _, re := range []*regexp.Regexp{plusShippingRe, forShippingRe} {
		if m := re.FindStringSubmatch(raw); m != nil {
			return m[1]
		}
	}
	return ""
}

// ParsePrice returns the numeric value of a "$1,234.56" style string.
func ParsePrice(s string) (float64, bool) {
	m := numberRe.FindString(s)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// TotalPrice adds a shipping fee to a price. Free or unknown shipping leaves
// the price as is; a missing price or BuyingOptions yields "".
func TotalPrice(price, shipping string) string {
	if price == "" || price == BuyingOptions {
		return ""
	}
	p, ok := ParsePrice(price)
	if !ok {
		return price
	}
	if shipping == "" || shipping == FreeShipping {
		return price
	}
	s, ok := ParsePrice(shipping)
	if !ok {
		return price
	}
	return "$" + strconv.FormatFloat(p+s, 'f', 2, 64)
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func extractImages(d *goquery.Document, raw string) []string {
	var images []string
	if colorImagesRe.MatchString(raw) {
		for _, m := range hiResRe.FindAllStringSubmatch(raw, -1) {
			images = appendUnique(images, m[1])
		}
		if len(images) == 0 {
			for _, m := range largeRe.FindAllStringSubmatch(raw, -1) {
				images = appendUnique(images, m[1])
			}
		}
	}
	if len(images) == 0 {
		img := d.Find("#landingImage").First()
		if dyn, ok := img.Attr("data-a-dynamic-image"); ok && strings.HasPrefix(dyn, "{") {
			var sizes map[string]json.RawMessage
			if json.Unmarshal([]byte(dyn), &sizes) == nil {
				for u := range sizes {
					if strings.HasPrefix(u, "http") {
						images = appendUnique(images, u)
						break
					}
				}
			}
		}
		if len(images) == 0 {
			for _, attr := range []string{"data-old-hires", "src"} {
				if u, ok := img.Attr(attr); ok && strings.HasPrefix(u, "http") {
					images = append(images, u)
					break
				}
			}
		}
	}
	if len(images) == 0 {
		if u, ok := d.Find("#imgTagWrapperId img").First().Attr("src"); ok && strings.HasPrefix(u, "https://") {
			images = append(images, u)
		}
	}
	if len(images) > maxImages {
		images = images[:maxImages]
	}
	return images
}

func extractBullets(d *goquery.Document) []string {
	var bullets []string
	d.Find("#feature-bullets span.a-list-item").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := clean(s.Text())
		if len(text) < 10 || len(text) >= 500 ||
			strings.Contains(text, "See more") ||
			strings.ContainsAny(text, "{_") ||
			strings.HasPrefix(text, ".") {
			return true
		}
		bullets = append(bullets, text)
		return len(bullets) < maxBullets
	})
	return bullets
}

var invalidDescription = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Shop the Store`),
	regexp.MustCompile(`(?i)out of 5 stars`),
	regexp.MustCompile(`\$\s*\d+\s*\.\s*\d+`),
	regexp.MustCompile(`(?i)Typical:\s*\$`),
	regexp.MustCompile(`(?i)List:\s*\$`),
	regexp.MustCompile(`(?i)Next page`),
	regexp.MustCompile(`P\.when\(`),
	regexp.MustCompile(`window\.`),
	regexp.MustCompile(`(?i)celwidget`),
	regexp.MustCompile(`(?i)data-csa-c`),
	regexp.MustCompile(`(?i)star rating`),
	regexp.MustCompile(`(?i)reviewer bought`),
}

func validDescription(s string) bool {
	if len(s) < 30 {
		return false
	}
	for _, re := range invalidDescription {
		if re.MatchString(s) {
			return false
		}
	}
	return true
}

func extractDescription(d *goquery.Document) string {
	for _, sel := range []string{
		"#pqv-description",
		"#productDescription p",
		"#productDescription_feature_div .a-section p",
		"#productDescription",
		"#bookDescription_feature_div span",
	} {
		s := d.Find(sel).First()
		s.Find("script, style").Remove()
		text := clean(s.Text())
		if validDescription(text) {
			if len(text) > maxDescription {
				text = strings.ToValidUTF8(text[:maxDescription], "")
			}
			return text
		}
	}
	return ""
}

var (
	excludedAttributes = []string{"Customer Reviews", "Best Sellers Rank", "ASIN"}
	codeMarkers        = []string{"function(", "P.when(", "window.", "var ", "ue.count(", "execute(", "declarative(", ".ready)", "dpAcr"}
)

func addAttribute(attrs map[string]string, key, value string) {
	key = strings.TrimSpace(strings.TrimSuffix(clean(key), ":"))
	value = clean(value)
	if key == "" || value == "" {
		return
	}
	if _, ok := attrs[key]; ok {
		return
	}
	for _, e := range excludedAttributes {
		if strings.Contains(key, e) {
			return
		}
	}
	for _, c := range codeMarkers {
		if strings.Contains(value, c) {
			return
		}
	}
	attrs[key] = value
}

func extractAttributes(d *goquery.Document) map[string]string {
	attrs := map[string]string{}
	d.Find(`table[id^="productDetails_techSpec_section"] tr, table[id^="productDetails_detailBullets_sections"] tr`).Each(func(_ int, row *goquery.Selection) {
		th := row.Find("th").First()
		td := row.Find("td").First()
		td.Find("script, style").Remove()
		addAttribute(attrs, th.Text(), td.Text())
	})
	d.Find("#detailBullets_feature_div li, ul.detail-bullet-list li").Each(func(_ int, li *goquery.Selection) {
		key := li.Find("span.a-text-bold").First()
		if key.Length() == 0 {
			return
		}
		value := key.Next()
		if value.Length() == 0 {
			value = key.Parent().Find("span").Last()
		}
		addAttribute(attrs, key.Text(), value.Text())
	})
	return attrs
}

func extractDelivery(d *goquery.Document, raw string) string {
	if v := clean(d.Find("#deliveryMessageMirId").First().Text()); v != "" && len(v) < 100 {
		return v
	}
	if v, ok := d.Find("[data-csa-c-delivery-time]").First().Attr("data-csa-c-delivery-time"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if m := deliveryDateRe.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func (h *HTML) deliveryDays(d *goquery.Document, raw string) *int {
	date, _ := d.Find("[data-csa-c-delivery-time]").First().Attr("data-csa-c-delivery-time")
	if date == "" {
		if m := deliveryDateRe.FindStringSubmatch(raw); m != nil {
			date = m[1]
		}
	}
	if date == "" {
		return nil
	}
	return DaysUntil(date, h.now())
}

// DaysUntil returns the whole days from now until a "Friday, December 12"
// style date, rolling into next year when the date has already passed.
func DaysUntil(date string, now time.Time) *int {
	m := monthDayRe.FindStringSubmatch(date)
	if m == nil {
		return nil
	}
	month, err := time.Parse("Jan", strings.ToUpper(m[1][:1])+strings.ToLower(m[1][1:3]))
	if err != nil {
		return nil
	}
	day, err := strconv.Atoi(m[2])
	if err != nil || day < 1 || day > 31 {
		return nil
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	target := time.Date(now.Year(), month.Month(), day, 0, 0, 0, 0, now.Location())
	if target.Before(today) {
		target = target.AddDate(1, 0, 0)
	}
	days := int(target.Sub(today).Hours() / 24)
	return &days
}

func extractSeller(d *goquery.Document) string {
	for _, sel := range []string{
		"#sellerProfileTriggerId",
		`[data-csa-c-content-id="odf-desktop-merchant-info"] .offer-display-feature-text-message`,
		"#merchant-info a",
	} {
		if v := clean(d.Find(sel).First().Text()); v != "" {
			return v
		}
	}
	if m := visitStoreRe.FindStringSubmatch(clean(d.Find("#bylineInfo").Text())); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// extractFulfillment reports FBA when the storefront ships a third party's
// item, AMZ when it also sells it, FBM when the seller ships it.
func extractFulfillment(d *goquery.Document, raw, seller string) string {
	classify := func(shipper string) string {
		if !strings.Contains(strings.ToLower(shipper), "amazon") {
			return "FBM"
		}
		if strings.Contains(strings.ToLower(seller), "amazon") {
			return "AMZ"
		}
		return "FBA"
	}
	if v := clean(d.Find(`[offer-display-feature-name="desktop-fulfiller-info"] .offer-display-feature-text-message`).First().Text()); v != "" {
		return classify(v)
	}
	if strings.Contains(raw, "Fulfilled by Amazon") {
		return classify("amazon")
	}
	if strings.Contains(raw, "Ships from and sold by") {
		if strings.Contains(clean(d.Find("#merchant-info").Text()), "Ships from and sold by Amazon") {
			return "AMZ"
		}
		return "FBM"
	}
	return ""
}

func intPtr(v int) *int { return &v }

func extractStock(d *goquery.Document, raw string) *int {
	if unavailable(d) {
		return intPtr(0)
	}
	avail := d.Find("#availability").Text()
	if strings.Contains(avail, "Currently unavailable") || strings.Contains(avail, "We don't know when or if this item will be back in stock") {
		return intPtr(0)
	}
	if strings.Contains(raw, "No featured offers available") || strings.Contains(raw, BuyingOptions) {
		return intPtr(-1)
	}
	max := 0
	d.Find("select#quantity option").Each(func(_ int, s *goquery.Selection) {
		if n, err := strconv.Atoi(s.AttrOr("value", "")); err == nil && n > max {
			max = n
		}
	})
	if max > 0 {
		return intPtr(max)
	}
	if m := onlyLeftRe.FindStringSubmatch(raw); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return intPtr(n)
		}
	}
	if strings.Contains(avail, "In Stock") {
		return intPtr(-1)
	}
	return nil
}

var returnPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)refund/replacement`),
	regexp.MustCompile(`(?i)Returnable\s+until`),
	regexp.MustCompile(`(?i)Non-?returnable`),
	regexp.MustCompile(`(?i)Eligible for Return`),
	regexp.MustCompile(`(?i)Returnable`),
}

func extractReturnPolicy(d *goquery.Document) string {
	var spans []string
	d.Find("span").Each(func(_ int, s *goquery.Selection) {
		if s.Children().Length() > 0 {
			return
		}
		if text := clean(s.Text()); text != "" && len(text) < 100 {
			spans = append(spans, text)
		}
	})
	for _, re := range returnPatterns {
		for _, text := range spans {
			if re.MatchString(text) {
				return text
			}
		}
	}
	return ""
}
