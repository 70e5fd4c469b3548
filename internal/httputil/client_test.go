package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewClientSetsUserAgent(t *testing.T) {
	tests := []struct {
		name   string
		agent  string
		header string
		want   string
	}{
		{"default", "", "", DefaultUserAgent},
		{"custom", "tester/2", "", "tester/2"},
		{"request wins", "tester/2", "caller/3", "caller/3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.Header.Get("User-Agent")
			}))
			defer srv.Close()

			req, _ := http.NewRequest("GET", srv.URL, nil)
			if tt.header != "" {
				req.Header.Set("User-Agent", tt.header)
			}
			resp, err := NewClient(tt.agent).Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if got != tt.want {
				t.Errorf("User-Agent = %q, want %q", got, tt.want)
			}
		})
	}
}
