package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/siwachabhi/sonic-relay/internal/auth"
	"github.com/siwachabhi/sonic-relay/internal/config"
	"github.com/siwachabhi/sonic-relay/internal/credentials"
	"github.com/siwachabhi/sonic-relay/internal/relay"
)

// echoRelay writes every text frame back, prefixed with the caller's user ID.
type echoRelay struct{}

func (echoRelay) Serve(ctx context.Context, t relay.Transport) error {
	defer t.Close("")
	user, _ := auth.UserIDFromContext(ctx)
	for {
		f, err := t.Read(ctx)
		if err != nil {
			if errors.Is(err, relay.ErrTransportClosed) {
				return nil
			}
			return err
		}
		if err := t.Write(ctx, append([]byte(user+":"), f.Data...)); err != nil {
			return nil
		}
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MaxFrameBytes = 4096
	return cfg
}

func getJSON(t *testing.T, h http.Handler, path string) (int, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("%s: decode body %q: %v", path, rr.Body.String(), err)
	}
	return rr.Code, body
}

func TestHealthEndpoints(t *testing.T) {
	h := NewRouter(testConfig(), credentials.NewCache(), echoRelay{})
	tests := []struct {
		path   string
		status string
	}{
		{path: "/health", status: "healthy"},
		{path: "/", status: "healthy"},
		{path: "/ping", status: "ok"},
	}
	for _, tc := range tests {
		code, body := getJSON(t, h, tc.path)
		if code != http.StatusOK || body["status"] != tc.status {
			t.Fatalf("%s: unexpected response %d %v", tc.path, code, body)
		}
	}
}

func TestUnknownRouteUsesErrorEnvelope(t *testing.T) {
	h := NewRouter(testConfig(), credentials.NewCache(), echoRelay{})
	code, body := getJSON(t, h, "/nope")
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	errObj, _ := body["error"].(map[string]any)
	if errObj["code"] != "not_found" {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestCredentialsInfo(t *testing.T) {
	t.Run("ec2 mode", func(t *testing.T) {
		cache := credentials.NewCache()
		cache.Store(credentials.Credentials{
			AccessKeyID:     "ASIASECRETID",
			SecretAccessKey: "very-secret",
			SessionToken:    "token",
			Expires:         time.Date(2026, 10, 15, 16, 0, 0, 0, time.UTC),
			Source:          "imds:relay-role",
		})
		rr := httptest.NewRecorder()
		NewRouter(testConfig(), cache, echoRelay{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/credentials/info", nil))
		raw := rr.Body.String()
		if strings.Contains(raw, "ASIASECRETID") || strings.Contains(raw, "very-secret") {
			t.Fatalf("credential material leaked: %s", raw)
		}
		var body map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["mode"] != "ec2" || body["source"] != "imds:relay-role" || body["expires_at"] != "2026-10-15T16:00:00Z" || body["region"] != "us-east-1" {
			t.Fatalf("unexpected body %v", body)
		}
	})

	t.Run("local mode", func(t *testing.T) {
		cfg := testConfig()
		cfg.AccessKeyID = "AKIA"
		cfg.SecretAccessKey = "secret"
		cache := credentials.NewCache()
		cache.Store(credentials.Credentials{AccessKeyID: "AKIA", SecretAccessKey: "secret", Source: credentials.SourceStatic})
		code, body := getJSON(t, NewRouter(cfg, cache, echoRelay{}), "/credentials/info")
		if code != http.StatusOK || body["mode"] != "local" || body["status"] != "ok" {
			t.Fatalf("unexpected response %d %v", code, body)
		}
		if _, ok := body["expires_at"]; ok {
			t.Fatalf("static credentials should have no expiry: %v", body)
		}
	})

	t.Run("not yet loaded", func(t *testing.T) {
		code, body := getJSON(t, NewRouter(testConfig(), credentials.NewCache(), echoRelay{}), "/credentials/info")
		if code != http.StatusOK || body["status"] != "pending" {
			t.Fatalf("unexpected response %d %v", code, body)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	rr := httptest.NewRecorder()
	NewRouter(testConfig(), credentials.NewCache(), echoRelay{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	if rr.Code != http.StatusOK || !strings.Contains(string(body), "relay_connections_active") {
		t.Fatalf("unexpected metrics response %d", rr.Code)
	}
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestWebSocketUpgradeServesRelay(t *testing.T) {
	srv := httptest.NewServer(NewRouter(testConfig(), credentials.NewCache(), echoRelay{}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, wsURL(srv, "/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	if err := c.Write(ctx, websocket.MessageText, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, got, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != ":hello" {
		t.Fatalf("unexpected echo %q", got)
	}
	c.Close(websocket.StatusNormalClosure, "")
}

func TestWebSocketRequiresTokenWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.JWTSecret = "ws-secret"
	srv := httptest.NewServer(NewRouter(cfg, credentials.NewCache(), echoRelay{}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL(srv, "/ws"), nil)
	if err == nil {
		t.Fatal("expected unauthenticated dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}

	token, err := auth.IssueToken(cfg.JWTSecret, "usr_7", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	c, _, err := websocket.Dial(ctx, wsURL(srv, "/ws?access_token="+token), nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	defer c.CloseNow()
	if err := c.Write(ctx, websocket.MessageText, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, got, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "usr_7:hi" {
		t.Fatalf("unexpected echo %q", got)
	}
	c.Close(websocket.StatusNormalClosure, "")
}

func TestOriginPatterns(t *testing.T) {
	got := originPatterns([]string{"*", "https://app.example.com", "http://localhost:3000/", ""})
	want := []string{"*", "app.example.com", "localhost:3000"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
