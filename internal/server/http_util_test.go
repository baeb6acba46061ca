package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseListLimit(t *testing.T) {
	cases := []struct {
		query string
		want  int
	}{
		{"", 100},
		{"limit=25", 25},
		{"limit=0", 100},
		{"limit=-3", 100},
		{"limit=abc", 100},
		{"limit=9000", 500},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/runs?"+tc.query, nil)
		if got := parseListLimit(req, 100, 500); got != tc.want {
			t.Fatalf("query %q: got %d, want %d", tc.query, got, tc.want)
		}
	}
}

func TestDecodeJSONBodyRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/runs",
		strings.NewReader(`{"model":"m","bogus_field":true}`))
	var out RunRequest
	if err := decodeJSONBody(req, &out); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}
