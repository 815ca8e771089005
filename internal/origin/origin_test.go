package origin

import (
	"net/http/httptest"
	"testing"
)

func TestNormalizeHeader(t *testing.T) {
	cases := []struct {
		raw      string
		wantOK   bool
		wantNorm string
		wantHost string
	}{
		{raw: "HTTPS://Example.COM:443", wantOK: true, wantNorm: "https://example.com", wantHost: "example.com"},
		{raw: "http://localhost:5173/", wantOK: true, wantNorm: "http://localhost:5173", wantHost: "localhost:5173"},
		{raw: "http://example.com:80", wantOK: true, wantNorm: "http://example.com", wantHost: "example.com"},
		{raw: "https://example.com:80", wantOK: true, wantNorm: "https://example.com:80", wantHost: "example.com:80"},
		{raw: "http://[::1]:3000", wantOK: true, wantNorm: "http://[::1]:3000", wantHost: "[::1]:3000"},
		{raw: "null", wantOK: true, wantNorm: "null", wantHost: ""},
		{raw: ""},
		{raw: "ftp://example.com"},
		{raw: "https://example.com/path"},
		{raw: "https://example.com/?q=1"},
		{raw: "https://user@example.com"},
		{raw: "https://example.com/#frag"},
		{raw: "https://example.com:0"},
		{raw: "https://example.com:70000"},
	}
	for _, tc := range cases {
		norm, host, ok := NormalizeHeader(tc.raw)
		if ok != tc.wantOK {
			t.Fatalf("NormalizeHeader(%q) ok=%v, want %v", tc.raw, ok, tc.wantOK)
		}
		if !ok {
			continue
		}
		if norm != tc.wantNorm || host != tc.wantHost {
			t.Fatalf("NormalizeHeader(%q)=(%q, %q), want (%q, %q)", tc.raw, norm, host, tc.wantNorm, tc.wantHost)
		}
	}
}

func TestIsAllowed(t *testing.T) {
	t.Run("default is same host:port only", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("https://app.example.com")
		if !ok {
			t.Fatalf("NormalizeHeader ok=false")
		}
		if !IsAllowed(normalized, host, "app.example.com", nil) {
			t.Fatalf("expected same-host to be allowed")
		}
		if !IsAllowed(normalized, host, "app.example.com:443", nil) {
			t.Fatalf("expected default port to be equivalent")
		}
		if IsAllowed(normalized, host, "app.example.com:8443", nil) {
			t.Fatalf("expected different port to be rejected")
		}
		if IsAllowed(normalized, host, "evil.example.com", nil) {
			t.Fatalf("expected different host to be rejected")
		}
	})

	t.Run("allows star", func(t *testing.T) {
		normalized, host, _ := NormalizeHeader("https://app.example.com")
		if !IsAllowed(normalized, host, "whatever:1234", []string{"*"}) {
			t.Fatalf("expected * to allow any origin")
		}
	})

	t.Run("explicit list", func(t *testing.T) {
		normalized, host, _ := NormalizeHeader("https://app.example.com")
		if !IsAllowed(normalized, host, "relay.example.com", []string{"https://app.example.com"}) {
			t.Fatalf("expected explicit origin to be allowed")
		}
		if IsAllowed(normalized, host, "app.example.com", []string{"https://other.example.com"}) {
			t.Fatalf("expected non-matching origin to be rejected even on the same host")
		}
	})

	t.Run("null only when listed", func(t *testing.T) {
		if IsAllowed("null", "", "relay.example.com", nil) {
			t.Fatalf("expected null origin to be rejected by default")
		}
		if !IsAllowed("null", "", "relay.example.com", []string{"null"}) {
			t.Fatalf("expected null origin to be allowed when configured")
		}
	})
}

func TestPolicyCheck(t *testing.T) {
	p := Policy{AllowedOrigins: []string{"https://chat.example.com"}}

	r := httptest.NewRequest("GET", "http://relay.example.com/ws", nil)
	if norm, ok := p.Check(r); !ok || norm != "" {
		t.Fatalf("no Origin: (%q, %v), want (\"\", true)", norm, ok)
	}

	r.Header.Set("Origin", "HTTPS://Chat.Example.com")
	if norm, ok := p.Check(r); !ok || norm != "https://chat.example.com" {
		t.Fatalf("allowed Origin: (%q, %v)", norm, ok)
	}
	if !p.CheckOrigin(r) {
		t.Fatalf("CheckOrigin=false, want true")
	}

	r.Header.Set("Origin", "https://evil.example.com")
	if _, ok := p.Check(r); ok {
		t.Fatalf("expected foreign origin to be rejected")
	}

	r.Header.Set("Origin", "https://chat.example.com")
	r.Header.Add("Origin", "https://chat.example.com")
	if _, ok := p.Check(r); ok {
		t.Fatalf("expected repeated Origin headers to be rejected")
	}
}

func TestPolicyCheck_SameHostDefault(t *testing.T) {
	var p Policy
	r := httptest.NewRequest("GET", "http://localhost:8080/ws", nil)
	r.Header.Set("Origin", "http://localhost:8080")
	if !p.CheckOrigin(r) {
		t.Fatalf("expected same-host origin to pass")
	}
	r.Header.Set("Origin", "http://localhost:5173")
	if p.CheckOrigin(r) {
		t.Fatalf("expected cross-port origin to be rejected")
	}
}
