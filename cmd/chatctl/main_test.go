package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joelkehle/farmchat/internal/chat"
)

func TestMintTokenRoundTrip(t *testing.T) {
	secret := "0123456789abcdef-secret"
	raw, err := mintToken(secret, "farmer-1", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return []byte(secret), nil }); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "farmer-1" || claims.ExpiresAt == nil {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, err := mintToken("short", "farmer-1", time.Hour); err == nil {
		t.Fatalf("expected short secret to be rejected")
	}
}

func TestDispatchRequiresToken(t *testing.T) {
	t.Setenv("FARMCHAT_TOKEN", "")
	err := dispatch(context.Background(), &bytes.Buffer{}, "http://127.0.0.1:1", "", 10, []string{"list"})
	if err == nil || !strings.Contains(err.Error(), "FARMCHAT_TOKEN") {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	t.Setenv("FARMCHAT_TOKEN", "tok")
	err := dispatch(context.Background(), &bytes.Buffer{}, "http://127.0.0.1:1", "", 10, []string{"dance"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestDescribe(t *testing.T) {
	cases := map[string]chat.Body{
		"hi":                 {Text: "hi"},
		"[media/1.jpg]":      {MediaRef: "media/1.jpg"},
		"look [media/2.jpg]": {Text: "look", MediaRef: "media/2.jpg"},
	}
	for want, body := range cases {
		if got := describe(body); got != want {
			t.Fatalf("describe(%+v)=%q want %q", body, got, want)
		}
	}
}
