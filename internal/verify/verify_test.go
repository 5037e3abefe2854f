package verify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newVerifier(t *testing.T, handler http.HandlerFunc) *HTTPGate {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPGate(srv.URL, "gate-secret")
}

func TestVerifyPassAndScore(t *testing.T) {
	cases := []struct {
		name    string
		success bool
		score   float64
		want    bool
	}{
		{"clear pass", true, 0.9, true},
		{"at threshold", true, 0.5, true},
		{"low score", true, 0.3, false},
		{"verifier rejected", false, 0.9, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newVerifier(t, func(w http.ResponseWriter, r *http.Request) {
				if err := r.ParseForm(); err != nil {
					t.Fatal(err)
				}
				if r.PostForm.Get("secret") != "gate-secret" {
					t.Fatalf("missing secret in form: %v", r.PostForm)
				}
				if r.PostForm.Get("response") != "tok-1" {
					t.Fatalf("missing token in form: %v", r.PostForm)
				}
				fmt.Fprintf(w, `{"success":%t,"score":%g}`, tc.success, tc.score)
			})

			res, err := g.Verify(context.Background(), "tok-1")
			if err != nil {
				t.Fatal(err)
			}
			if res.Passed != tc.want {
				t.Fatalf("Passed=%t, want %t (score %g)", res.Passed, tc.want, tc.score)
			}
			if res.Score != tc.score {
				t.Fatalf("Score=%g, want %g", res.Score, tc.score)
			}
		})
	}
}

func TestVerifyEmptyTokenDenies(t *testing.T) {
	g := newVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("verifier must not be called for an empty token")
	})
	res, err := g.Verify(context.Background(), "  ")
	if err != nil {
		t.Fatal(err)
	}
	if res.Passed {
		t.Fatal("empty token must not pass")
	}
}

func TestVerifyUnavailable(t *testing.T) {
	g := newVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	if _, err := g.Verify(context.Background(), "tok-1"); !errors.Is(err, ErrVerifierUnavailable) {
		t.Fatalf("expected ErrVerifierUnavailable, got %v", err)
	}
}

func TestVerifyTimeout(t *testing.T) {
	g := newVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Verify(ctx, "tok-1"); !errors.Is(err, ErrVerifierUnavailable) {
		t.Fatalf("expected ErrVerifierUnavailable, got %v", err)
	}
}

func TestCustomThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"score":0.6}`)
	}))
	t.Cleanup(srv.Close)

	strict := NewHTTPGate(srv.URL, "s", WithThreshold(0.7))
	res, err := strict.Verify(context.Background(), "tok")
	if err != nil {
		t.Fatal(err)
	}
	if res.Passed {
		t.Fatal("score 0.6 must fail a 0.7 threshold")
	}
}
