package webhookutils

import "net/http"

// signatureHeaders are the header names providers use for payload signatures,
// in preference order. Header canonicalization differs between providers so
// every lookup goes through http.Header's case-insensitive Get.
var signatureHeaders = []string{
	"X-Neynar-Signature",
	"X-Signature",
}

// SignatureHeader extracts the payload signature from an inbound callback
// request, trying each known header name in order.
func SignatureHeader(headers http.Header) (string, bool) {
	for _, name := range signatureHeaders {
		if v := headers.Get(name); v != "" {
			return v, true
		}
	}
	return "", false
}
