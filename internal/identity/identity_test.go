package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	iss, err := NewIssuer([]byte("test-secret"), time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	return iss
}

func echoSession(seen *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*seen = SessionIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestIssueAndParse(t *testing.T) {
	iss := newTestIssuer(t)
	token, exp, err := iss.Issue("abc-123")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expiry %v is not in the future", exp)
	}
	got, err := iss.Parse(token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got != "abc-123" {
		t.Fatalf("Parse() = %q, want abc-123", got)
	}
}

func TestParseRejectsForeignAndExpiredTokens(t *testing.T) {
	iss := newTestIssuer(t)
	other, err := NewIssuer([]byte("other-secret"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	token, _, err := other.Issue("abc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := iss.Parse(token); err == nil {
		t.Fatal("token signed with another secret was accepted")
	}

	token, _, err = iss.Issue("abc")
	if err != nil {
		t.Fatal(err)
	}
	iss.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := iss.Parse(token); err == nil {
		t.Fatal("expired token was accepted")
	}
}

func TestMiddlewareIssuesCookieOnce(t *testing.T) {
	iss := newTestIssuer(t)
	var seen string
	h := Middleware(iss, true)(echoSession(&seen))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" {
		t.Fatal("no session in context")
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != CookieName {
		t.Fatalf("expected session cookie, got %v", cookies)
	}
	first := seen

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != first {
		t.Fatalf("session changed: %q != %q", seen, first)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Fatal("valid cookie should not be reissued")
	}
}

func TestMiddlewareOverrides(t *testing.T) {
	iss := newTestIssuer(t)
	var seen string
	h := Middleware(iss, true)(echoSession(&seen))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SessionHeaderName, "tool-1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "tool-1" {
		t.Fatalf("header override ignored, got %q", seen)
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/?session_id=tool-2", nil))
	if seen != "tool-2" {
		t.Fatalf("query override ignored, got %q", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(SessionHeaderName, "bad id with spaces")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen == "bad id with spaces" || seen == "" {
		t.Fatalf("invalid override should fall back to a fresh session, got %q", seen)
	}
	if len(rec.Result().Cookies()) != 1 {
		t.Fatal("fresh session should set a cookie")
	}
}

func TestMiddlewareReplacesTamperedCookie(t *testing.T) {
	iss := newTestIssuer(t)
	var seen string
	h := Middleware(iss, false)(echoSession(&seen))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "not-a-token"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || !cookies[0].Secure {
		t.Fatalf("expected a new secure cookie, got %v", cookies)
	}
	if seen == "" {
		t.Fatal("no session in context")
	}
}
