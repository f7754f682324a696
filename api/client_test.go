package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jmgilman/go/errors"

	"github.com/unkn0wn-root/refcache/internal/testutil"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/", Options{HTTP: srv.Client()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, srv
}

func TestURLs(t *testing.T) {
	c, err := New("https://ref.example/", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := c.SymbolURL("python", "langchain-core", "ChatOpenAI.invoke"),
		"https://ref.example/api/ref/python/langchain-core/ChatOpenAI.invoke?format=json"; got != want {
		t.Fatalf("SymbolURL=%q want %q", got, want)
	}
	if got, want := c.SymbolURL("javascript", "@scope/pkg", "a b/C"),
		"https://ref.example/api/ref/javascript/@scope%2Fpkg/a%20b/C?format=json"; got != want {
		t.Fatalf("SymbolURL=%q want %q", got, want)
	}
	if got, want := c.CatalogURL("go", "net/http"),
		"https://ref.example/api/ref/go/net%2Fhttp?format=json"; got != want {
		t.Fatalf("CatalogURL=%q want %q", got, want)
	}
}

func TestNewRejectsRelativeBase(t *testing.T) {
	_, err := New("/api", Options{})
	if errors.GetCode(err) != errors.CodeInvalidConfig {
		t.Fatalf("code=%v want %v", errors.GetCode(err), errors.CodeInvalidConfig)
	}
}

func TestSymbolDecodesBodyAndBuildID(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ref/python/pkg/Foo" || r.URL.Query().Get("format") != "json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set(HeaderBuildID, "b-7")
		_, _ = w.Write([]byte(`{"name":"Foo","members":[{"name":"bar"}]}`))
	})

	doc, err := c.Symbol(context.Background(), "python", "pkg", "Foo")
	if err != nil {
		t.Fatalf("Symbol: %v", err)
	}
	if doc.BuildID != "b-7" {
		t.Fatalf("BuildID=%q want b-7", doc.BuildID)
	}
	testutil.AssertEqual(t, doc.Data, map[string]any{
		"name":    "Foo",
		"members": []any{map[string]any{"name": "bar"}},
	})
}

func TestStatusCodesMapToErrorCodes(t *testing.T) {
	cases := []struct {
		status    int
		code      errors.ErrorCode
		retryable bool
	}{
		{http.StatusNotFound, errors.CodeNotFound, false},
		{http.StatusServiceUnavailable, errors.CodeUnavailable, true},
		{http.StatusTooManyRequests, errors.CodeRateLimit, true},
		{http.StatusForbidden, errors.CodeExecutionFailed, false},
	}
	for _, tc := range cases {
		c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		})
		_, err := c.Catalog(context.Background(), "go", "fmt")
		if got := errors.GetCode(err); got != tc.code {
			t.Fatalf("status %d: code=%v want %v", tc.status, got, tc.code)
		}
		if errors.IsRetryable(err) != tc.retryable {
			t.Fatalf("status %d: retryable=%v want %v", tc.status, !tc.retryable, tc.retryable)
		}
	}
}

func TestTransportFailureIsNetworkError(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {})
	srv.Close()

	_, err := c.Symbol(context.Background(), "go", "fmt", "Println")
	if errors.GetCode(err) != errors.CodeNetwork || !errors.IsRetryable(err) {
		t.Fatalf("err=%v want retryable network error", err)
	}
}

func TestUndecodableAndOversizedBodies(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "big") {
			_, _ = w.Write([]byte(`"` + strings.Repeat("x", 64) + `"`))
			return
		}
		_, _ = w.Write([]byte(`{not json`))
	})
	c.maxBody = 32

	if _, err := c.Symbol(context.Background(), "go", "fmt", "bad"); errors.GetCode(err) != errors.CodeSchemaFailed {
		t.Fatalf("bad json: err=%v", err)
	}
	if _, err := c.Symbol(context.Background(), "go", "fmt", "big"); errors.GetCode(err) != errors.CodeSchemaFailed {
		t.Fatalf("oversized: err=%v", err)
	}
}

func TestMissingArgumentsRejected(t *testing.T) {
	c, _ := New("https://ref.example", Options{})
	if _, err := c.Symbol(context.Background(), "go", "", "X"); errors.GetCode(err) != errors.CodeInvalidInput {
		t.Fatalf("err=%v want invalid input", err)
	}
}
