package extract

import (
	"testing"
	"time"
)

const productPage = `<html><head><title>Widget</title></head><body>
<span id="productTitle">  Acme   Widget &amp; Stand  </span>
<span id="bylineInfo">Visit the Acme Store</span>
<span class="a-icon-alt">4.5 out of 5 stars</span>
<span id="acrCustomerReviewText">1,234 ratings</span>
<div id="corePriceDisplay_desktop_feature_div">
  <span class="a-price" data-a-strike="true"><span class="a-offscreen">$39.99</span></span>
  <span class="a-price"><span class="a-offscreen">$29.99</span></span>
</div>
<div data-csa-c-delivery-price="$5.00" data-csa-c-delivery-time="Friday, October 17"></div>
<div id="availability"><span>In Stock</span></div>
<select id="quantity"><option value="1">1</option><option value="2">2</option><option value="7">7</option></select>
<div id="feature-bullets"><ul>
  <li><span class="a-list-item">Solid aluminium body that lasts for years</span></li>
  <li><span class="a-list-item">short</span></li>
  <li><span class="a-list-item">Folds flat for travel and storage</span></li>
</ul></div>
<div id="productDescription"><p>The Acme widget stand holds any tablet at a comfortable angle.</p></div>
<table id="productDetails_techSpec_section_1">
  <tr><th> Brand </th><td>&lrm;Acme</td></tr>
  <tr><th>ASIN</th><td>B000TEST01</td></tr>
  <tr><th>Customer Reviews</th><td>4.5</td></tr>
</table>
<div id="detailBullets_feature_div"><ul>
  <li><span><span class="a-text-bold">Item Weight :</span><span>1.2 pounds</span></span></li>
</ul></div>
<div offer-display-feature-name="desktop-fulfiller-info"><span class="offer-display-feature-text-message">Amazon</span></div>
<a id="sellerProfileTriggerId">Acme Direct</a>
<span>Returnable until Jan 31, 2027</span>
<script>var data = {'colorImages': { 'initial': [{"hiRes":"https://img.example/1.jpg","large":"https://img.example/1s.jpg"},{"hiRes":"https://img.example/2.jpg"}]}};</script>
</body></html>`

func fixedNow() time.Time {
	return time.Date(2026, time.October, 14, 15, 0, 0, 0, time.UTC)
}

func TestExtract_ProductPage(t *testing.T) {
	rec := NewAt(fixedNow).Extract([]byte(productPage), "https://shop.example/dp/B000TEST01", "B000TEST01")

	if rec.Identifier != "B000TEST01" || rec.URL != "https://shop.example/dp/B000TEST01" {
		t.Errorf("unexpected identity %q %q", rec.Identifier, rec.URL)
	}
	if rec.Title != "Acme Widget & Stand" {
		t.Errorf("title = %q", rec.Title)
	}
	if rec.Price != "$29.99" {
		t.Errorf("price = %q, want the non-strikethrough price", rec.Price)
	}
	if rec.ShippingFee != "$5.00" {
		t.Errorf("shipping = %q", rec.ShippingFee)
	}
	if rec.TotalPrice != "$34.99" {
		t.Errorf("total = %q", rec.TotalPrice)
	}
	if rec.Rating != "4.5" {
		t.Errorf("rating = %q", rec.Rating)
	}
	if rec.ReviewCount != "1,234 ratings" {
		t.Errorf("reviews = %q", rec.ReviewCount)
	}
	if len(rec.Images) != 2 || rec.Images[0] != "https://img.example/1.jpg" {
		t.Errorf("images = %v", rec.Images)
	}
	if len(rec.Bullets) != 2 {
		t.Errorf("bullets = %v", rec.Bullets)
	}
	if rec.Description == "" {
		t.Error("expected description")
	}
	if rec.Attributes["Brand"] != "Acme" {
		t.Errorf("brand attribute = %q", rec.Attributes["Brand"])
	}
	if rec.Attributes["Item Weight"] != "1.2 pounds" {
		t.Errorf("weight attribute = %q", rec.Attributes["Item Weight"])
	}
	if _, ok := rec.Attributes["ASIN"]; ok {
		t.Error("ASIN must be excluded from attributes")
	}
	if _, ok := rec.Attributes["Customer Reviews"]; ok {
		t.Error("Customer Reviews must be excluded from attributes")
	}
	if rec.DeliveryInfo != "Friday, October 17" {
		t.Errorf("delivery = %q", rec.DeliveryInfo)
	}
	if rec.DeliveryDays == nil || *rec.DeliveryDays != 3 {
		t.Errorf("delivery days = %v", rec.DeliveryDays)
	}
	if rec.Stock == nil || *rec.Stock != 7 {
		t.Errorf("stock = %v", rec.Stock)
	}
	if rec.SellerName != "Acme Direct" {
		t.Errorf("seller = %q", rec.SellerName)
	}
	if rec.FulfillmentType != "FBA" {
		t.Errorf("fulfillment = %q", rec.FulfillmentType)
	}
	if rec.ReturnPolicy != "Returnable until Jan 31, 2027" {
		t.Errorf("return policy = %q", rec.ReturnPolicy)
	}
}

func TestExtract_Unavailable(t *testing.T) {
	page := `<html><body><span id="productTitle">Gone</span>
<div id="outOfStock">Currently unavailable.</div>
<span class="a-price"><span class="a-offscreen">$10.00</span></span></body></html>`
	rec := New().Extract([]byte(page), "u", "X")
	if rec.Price != "" || rec.TotalPrice != "" {
		t.Errorf("expected empty price for unavailable item, got %q/%q", rec.Price, rec.TotalPrice)
	}
	if rec.Stock == nil || *rec.Stock != 0 {
		t.Errorf("stock = %v, want 0", rec.Stock)
	}
}

func TestExtract_NoFeaturedOffer(t *testing.T) {
	page := `<html><body><div>No featured offers available</div></body></html>`
	rec := New().Extract([]byte(page), "u", "X")
	if rec.Price != BuyingOptions {
		t.Errorf("price = %q", rec.Price)
	}
	if rec.TotalPrice != "" {
		t.Errorf("total = %q", rec.TotalPrice)
	}
	if rec.Stock == nil || *rec.Stock != -1 {
		t.Errorf("stock = %v, want -1", rec.Stock)
	}
}

func TestExtract_EmptyDocument(t *testing.T) {
	rec := New().Extract(nil, "u", "X")
	if rec == nil {
		t.Fatal("Extract must never return nil")
	}
	if rec.Title != "" || rec.Stock != nil || rec.DeliveryDays != nil || len(rec.Images) != 0 {
		t.Errorf("expected empty record, got %+v", rec)
	}
}

func TestExtract_HiddenFormPrice(t *testing.T) {
	page := `<html><body>
<input type="hidden" name="items[0.base][customerVisiblePrice][displayString]" value="$12.50">
<span class="priceToPay"><span class="a-offscreen">$99.00</span></span>
<span>FREE delivery</span></body></html>`
	rec := New().Extract([]byte(page), "u", "X")
	if rec.Price != "$12.50" {
		t.Errorf("price = %q", rec.Price)
	}
	if rec.ShippingFee != FreeShipping {
		t.Errorf("shipping = %q", rec.ShippingFee)
	}
	if rec.TotalPrice != "$12.50" {
		t.Errorf("total = %q", rec.TotalPrice)
	}
}

func TestTotalPrice(t *testing.T) {
	tests := []struct {
		price, shipping, want string
	}{
		{"$10.00", "$2.50", "$12.50"},
		{"$1,000.00", "$5", "$1005.00"},
		{"$10.00", FreeShipping, "$10.00"},
		{"$10.00", "", "$10.00"},
		{"", "$2.00", ""},
		{BuyingOptions, "$2.00", ""},
	}
	for _, tt := range tests {
		if got := TotalPrice(tt.price, tt.shipping); got != tt.want {
			t.Errorf("TotalPrice(%q, %q) = %q, want %q", tt.price, tt.shipping, got, tt.want)
		}
	}
}

func TestDaysUntil_RollsOverYear(t *testing.T) {
	now := time.Date(2026, time.December, 30, 9, 0, 0, 0, time.UTC)
	got := DaysUntil("Saturday, January 2", now)
	if got == nil || *got != 3 {
		t.Errorf("DaysUntil = %v, want 3", got)
	}
	if DaysUntil("whenever", now) != nil {
		t.Error("expected nil for unparseable date")
	}
}
