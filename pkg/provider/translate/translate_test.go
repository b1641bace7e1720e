package translate_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxloop/voxloop/pkg/provider/translate"
)

func TestNew_RequiresEndpoint(t *testing.T) {
	if _, err := translate.New("", "key"); err == nil {
		t.Fatal("New with empty endpoint: want error")
	}
}

func TestTranslate(t *testing.T) {
	var got struct {
		Text   string `json:"text"`
		Source string `json:"source"`
		Target string `json:"target"`
	}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"text": "Où est survenu le sinistre ?"})
	}))
	t.Cleanup(srv.Close)

	c, err := translate.New(srv.URL, "secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := c.Translate(context.Background(), "Where did the incident happen?", "en-US", "fr-FR")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if out != "Où est survenu le sinistre ?" {
		t.Errorf("Translate = %q", out)
	}
	if got.Text != "Where did the incident happen?" || got.Source != "en-US" || got.Target != "fr-FR" {
		t.Errorf("request body = %+v", got)
	}
	if auth != "Bearer secret" {
		t.Errorf("Authorization = %q, want bearer token", auth)
	}
}

func TestTranslate_ShortCircuits(t *testing.T) {
	// A request against a closed port proves the client short-circuited.
	c, err := translate.New("http://127.0.0.1:19999", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name           string
		text           string
		source, target string
	}{
		{"empty text", "", "en-US", "fr-FR"},
		{"same language", "bonjour", "fr-FR", "fr-FR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := c.Translate(context.Background(), tt.text, tt.source, tt.target)
			if err != nil {
				t.Fatalf("Translate: %v", err)
			}
			if out != tt.text {
				t.Errorf("Translate = %q, want input unchanged", out)
			}
		})
	}
}

func TestTranslate_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such language pair", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	c, err := translate.New(srv.URL, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Translate(context.Background(), "hello", "en-US", "xx-XX"); err == nil {
		t.Fatal("Translate with 400 response: want error")
	}
}

func TestNoop(t *testing.T) {
	out, err := translate.Noop{}.Translate(context.Background(), "unchanged", "en-US", "fr-FR")
	if err != nil {
		t.Fatalf("Noop.Translate: %v", err)
	}
	if out != "unchanged" {
		t.Errorf("Noop.Translate = %q, want input back", out)
	}
}
