package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"SmartFlow-Orchestrator/internal/config"
	xerrors "SmartFlow-Orchestrator/internal/errors"
)

func newJWTService(t *testing.T, now func() time.Time) *Service {
	t.Helper()
	svc, err := NewService(config.AuthConfig{Mode: "jwt", Secret: "s3cret", Issuer: "sfs", Audience: "orchestrator"}, WithClock(now))
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	return svc
}

func TestNewServiceModes(t *testing.T) {
	svc, err := NewService(config.AuthConfig{})
	if err != nil || svc.Enabled() {
		t.Fatalf("expected disabled service, got %v %v", svc.Mode(), err)
	}
	if _, err := NewService(config.AuthConfig{Mode: "jwt"}); !xerrors.IsCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
	if _, err := NewService(config.AuthConfig{Mode: "oauth"}); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected unsupported mode error, got %v", err)
	}
}

func TestIssueAndParseToken(t *testing.T) {
	now := time.Now()
	svc := newJWTService(t, func() time.Time { return now })

	token, err := svc.IssueToken(&Subject{Name: "ops", Permissions: []string{"workflows:write"}}, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	subject, err := svc.AuthenticateRequest("Bearer " + token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Name != "ops" || !subject.HasPermission("WORKFLOWS:write") {
		t.Fatalf("unexpected subject %+v", subject)
	}

	later := newJWTService(t, func() time.Time { return now.Add(2 * time.Minute) })
	if _, err := later.ParseToken(token); !xerrors.IsCode(err, xerrors.CodeUnauthorized) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}

	other, _ := NewService(config.AuthConfig{Mode: "jwt", Secret: "s3cret", Issuer: "someone-else"})
	if _, err := other.ParseToken(token); err == nil {
		t.Fatalf("expected issuer mismatch to be rejected")
	}
}

func TestParseRejectsOtherAlgorithms(t *testing.T) {
	svc := newJWTService(t, time.Now)
	claims := jwt.RegisteredClaims{Subject: "x", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := svc.ParseToken(unsigned); err == nil {
		t.Fatalf("expected alg=none token to be rejected")
	}
	for _, header := range []string{"", "Basic abc", "Bearer "} {
		if _, err := svc.AuthenticateRequest(header); err != ErrMissingToken {
			t.Fatalf("header %q: expected missing token, got %v", header, err)
		}
	}
}

func TestMiddleware(t *testing.T) {
	svc := newJWTService(t, time.Now)
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{http.MethodPost: {"write"}},
		Exempt:              []string{"/health", "/metrics"},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	reader, _ := svc.IssueToken(&Subject{Name: "reader"}, time.Hour)
	writer, _ := svc.IssueToken(&Subject{Name: "writer", Permissions: []string{"*"}}, time.Hour)

	cases := []struct {
		method, path, token string
		want                int
	}{
		{http.MethodGet, "/health", "", http.StatusNoContent},
		{http.MethodGet, "/api/agents", "", http.StatusUnauthorized},
		{http.MethodGet, "/api/agents", "garbage", http.StatusUnauthorized},
		{http.MethodGet, "/api/agents", reader, http.StatusNoContent},
		{http.MethodPost, "/api/agents", reader, http.StatusForbidden},
		{http.MethodPost, "/api/agents", writer, http.StatusNoContent},
	}
	for _, tc := range cases {
		seen = nil
		req := httptest.NewRequest(tc.method, tc.path, nil)
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s %s: expected %d, got %d (%s)", tc.method, tc.path, tc.want, rec.Code, rec.Body.String())
		}
		if tc.want >= 400 && !strings.Contains(rec.Body.String(), `"success":false`) {
			t.Fatalf("expected JSON error body, got %s", rec.Body.String())
		}
		if tc.want == http.StatusNoContent && tc.token != "" && seen == nil {
			t.Fatalf("expected subject in context")
		}
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, _ := NewService(config.AuthConfig{Mode: "disabled"})
	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/state/x", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected pass through, got %d", rec.Code)
	}
}
