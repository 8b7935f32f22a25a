package payment

import (
	"net/url"
	"strings"
)

// 网关回跳的查询参数名，后端约定，不可改动
const (
	ParamPayment     = "payment"
	ParamOrderToken  = "token"
	ParamCorrelation = "milestoneId"
	ParamBuyer       = "buyerId"
	ParamSeller      = "sellerId"

	MarkerSuccess = "success"
)

var returnParams = []string{ParamPayment, ParamOrderToken, ParamCorrelation, ParamBuyer, ParamSeller}

// ReturnParams is what the gateway put on the return URL.
type ReturnParams struct {
	Payment       string
	OrderToken    string
	CorrelationID string
	BuyerID       string
	SellerID      string
}

// ParseReturn reads the return markers from q. ok is false when the URL
// carries no payment marker at all, i.e. this is not a payment return.
func ParseReturn(q url.Values) (ReturnParams, bool) {
	p := ReturnParams{
		Payment:       strings.TrimSpace(q.Get(ParamPayment)),
		OrderToken:    strings.TrimSpace(q.Get(ParamOrderToken)),
		CorrelationID: strings.TrimSpace(q.Get(ParamCorrelation)),
		BuyerID:       strings.TrimSpace(q.Get(ParamBuyer)),
		SellerID:      strings.TrimSpace(q.Get(ParamSeller)),
	}
	return p, q.Has(ParamPayment)
}

// Succeeded reports a success marker with both correlation values present.
func (p ReturnParams) Succeeded() bool {
	return p.Payment == MarkerSuccess && p.OrderToken != "" && p.CorrelationID != ""
}

// CleanURL returns a copy of u with every return marker removed, so a manual
// refresh can't resubmit the capture.
func CleanURL(u *url.URL) *url.URL {
	c := *u
	q := c.Query()
	for _, k := range returnParams {
		q.Del(k)
	}
	c.RawQuery = q.Encode()
	return &c
}
