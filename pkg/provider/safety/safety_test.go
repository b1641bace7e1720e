package safety_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxloop/voxloop/pkg/provider/safety"
)

func TestNew_RequiresEndpoint(t *testing.T) {
	if _, err := safety.New("", "key"); err == nil {
		t.Fatal("New with empty endpoint: want error")
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name     string
		response map[string]any
		want     safety.Verdict
	}{
		{
			name:     "allowed",
			response: map[string]any{"allowed": true},
			want:     safety.Verdict{Allowed: true},
		},
		{
			name: "blocked with categories",
			response: map[string]any{
				"allowed":            false,
				"categories_matched": []string{"medical_advice"},
			},
			want: safety.Verdict{Allowed: false, Categories: []string{"medical_advice"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got struct {
				Text       string   `json:"text"`
				Categories []string `json:"categories"`
			}
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
					t.Errorf("decode request: %v", err)
				}
				_ = json.NewEncoder(w).Encode(tt.response)
			}))
			t.Cleanup(srv.Close)

			c, err := safety.New(srv.URL, "")
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			v, err := c.Check(context.Background(), "take two aspirin", []string{"medical_advice"})
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if v.Allowed != tt.want.Allowed {
				t.Errorf("Allowed = %v, want %v", v.Allowed, tt.want.Allowed)
			}
			if len(v.Categories) != len(tt.want.Categories) {
				t.Errorf("Categories = %v, want %v", v.Categories, tt.want.Categories)
			}
			if got.Text != "take two aspirin" || len(got.Categories) != 1 {
				t.Errorf("request body = %+v", got)
			}
		})
	}
}

func TestCheck_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	c, err := safety.New(srv.URL, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Check(context.Background(), "text", nil); err == nil {
		t.Fatal("Check with 503 response: want error")
	}
}

func TestAllowAll(t *testing.T) {
	v, err := safety.AllowAll{}.Check(context.Background(), "anything at all", []string{"x"})
	if err != nil {
		t.Fatalf("AllowAll.Check: %v", err)
	}
	if !v.Allowed {
		t.Error("AllowAll blocked text")
	}
}
