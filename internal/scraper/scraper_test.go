package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/crawlgate/crawlgate-gateway/internal/testutil"
)

func TestScrapeSendsCredentialAndPayload(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"markdown":"# hi"}}`))
	}))
	defer srv.Close()

	client, err := New(Config{APIKey: "sk-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client.httpClient = srv.Client()

	onlyMain := true
	res, err := client.Scrape(context.Background(), "https://example.com", ScrapeOptions{
		Formats:         []string{"markdown", "links"},
		OnlyMainContent: &onlyMain,
		WaitFor:         500,
		Location:        &ScrapeLocation{Country: "DE", Languages: []string{"de"}},
	})
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("expected bearer credential, got %q", gotAuth)
	}
	if gotBody["url"] != "https://example.com" {
		t.Fatalf("missing url in payload: %#v", gotBody)
	}
	if gotBody["onlyMainContent"] != true {
		t.Fatalf("missing onlyMainContent in payload: %#v", gotBody)
	}
	if !strings.Contains(string(res.Body), "markdown") {
		t.Fatalf("body not relayed verbatim: %s", res.Body)
	}
}

func TestSearchNestsScrapeFormats(t *testing.T) {
	var gotBody map[string]any
	srv := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	client, err := New(Config{APIKey: "sk-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client.httpClient = srv.Client()

	if _, err := client.Search(context.Background(), "golang sliding window", SearchOptions{
		Limit:         5,
		Lang:          "en",
		ScrapeFormats: []string{"markdown"},
	}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if gotBody["query"] != "golang sliding window" {
		t.Fatalf("missing query: %#v", gotBody)
	}
	nested, ok := gotBody["scrapeOptions"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested scrapeOptions, got %#v", gotBody)
	}
	if _, ok := nested["formats"]; !ok {
		t.Fatalf("expected formats under scrapeOptions, got %#v", nested)
	}
}

func TestUpstreamErrorStatusRelayed(t *testing.T) {
	srv := testutil.NewIPv4Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"success":false,"error":"insufficient credits"}`))
	}))
	defer srv.Close()

	client, err := New(Config{APIKey: "sk-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client.httpClient = srv.Client()

	res, err := client.Map(context.Background(), "https://example.com", MapOptions{})
	if err != nil {
		t.Fatalf("Map: non-2xx must not be a client error, got %v", err)
	}
	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402 relayed, got %d", res.StatusCode)
	}
}

func TestTransportFailure(t *testing.T) {
	client, err := New(Config{
		APIKey:         "sk-test",
		BaseURL:        "http://127.0.0.1:1", // nothing listens here
		RequestTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = client.Crawl(context.Background(), "https://example.com", CrawlOptions{Limit: 10})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if strings.Contains(te.Error(), "sk-test") {
		t.Fatalf("credential leaked into error text: %s", te.Error())
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for missing api key")
	}
}
