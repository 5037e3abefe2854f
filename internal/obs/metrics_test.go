package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                           "/",
		"/metrics":                   "/metrics",
		"/v1/sales":                  "/v1/sales",
		"/v1/sales/abc":              "/v1/sales/:id",
		"/v1/sales/abc/purchase":     "/v1/sales/:id/purchase",
		"/v1/sales/abc/release":      "/v1/sales/:id/release",
		"/v1/sales/abc/stream":       "/v1/sales/:id/stream",
		"/v1/sales/abc/quota":        "/v1/sales/:id/quota",
		"/v1/sales/abc/extra":        "/v1/sales/abc/extra",
		"/v1/sales/abc/purchase?x=1": "/v1/sales/:id/purchase",
		"/v1/stream":                 "/v1/stream",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
