package sheets

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// generateTestKey はテスト用のRSA鍵をPKCS#8のPEM形式で生成する。
func generateTestKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("RSA鍵の生成に失敗: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("鍵のエンコードに失敗: %v", err)
	}
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func TestNewTokenSource_InvalidKey(t *testing.T) {
	if _, err := NewTokenSource(http.DefaultClient, "sa@example.com", "not a key", ""); err == nil {
		t.Fatal("不正な秘密鍵はエラーになること")
	}
}

func TestTokenSource_Token_SignsAssertionAndCaches(t *testing.T) {
	key, keyPEM := generateTestKey(t)
	var calls atomic.Int32

	var tokenURI string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Fatalf("フォームのパースに失敗: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != jwtBearerGrant {
			t.Errorf("grant_type = %q", got)
		}

		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(r.PostForm.Get("assertion"), claims, func(tok *jwt.Token) (any, error) {
			if tok.Method != jwt.SigningMethodRS256 {
				t.Errorf("alg = %v, want RS256", tok.Header["alg"])
			}
			return &key.PublicKey, nil
		})
		if err != nil {
			t.Fatalf("アサーションの検証に失敗: %v", err)
		}
		if claims["iss"] != "sa@example.com" {
			t.Errorf("iss = %v", claims["iss"])
		}
		if claims["aud"] != tokenURI {
			t.Errorf("aud = %v, want %s", claims["aud"], tokenURI)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "ya29.test",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer server.Close()
	tokenURI = server.URL + "/token"

	ts, err := NewTokenSource(server.Client(), "sa@example.com", keyPEM, tokenURI)
	if err != nil {
		t.Fatalf("NewTokenSource がエラーを返した: %v", err)
	}

	for i := 0; i < 3; i++ {
		tok, err := ts.Token(context.Background())
		if err != nil {
			t.Fatalf("Token がエラーを返した: %v", err)
		}
		if tok != "ya29.test" {
			t.Errorf("token = %q", tok)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("token requests = %d, 有効期限内はキャッシュを使うこと", calls.Load())
	}
}

func TestTokenSource_Token_RefreshesNearExpiry(t *testing.T) {
	_, keyPEM := generateTestKey(t)
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 120})
	}))
	defer server.Close()

	ts, err := NewTokenSource(server.Client(), "sa@example.com", keyPEM, server.URL)
	if err != nil {
		t.Fatalf("NewTokenSource がエラーを返した: %v", err)
	}
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	ts.now = func() time.Time { return now }

	if _, err := ts.Token(context.Background()); err != nil {
		t.Fatalf("Token がエラーを返した: %v", err)
	}
	now = now.Add(90 * time.Second)
	if _, err := ts.Token(context.Background()); err != nil {
		t.Fatalf("Token がエラーを返した: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("token requests = %d, want 2 (期限1分前に更新)", calls.Load())
	}
}

func TestTokenSource_Token_ErrorStatus(t *testing.T) {
	_, keyPEM := generateTestKey(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer server.Close()

	ts, err := NewTokenSource(server.Client(), "sa@example.com", keyPEM, server.URL)
	if err != nil {
		t.Fatalf("NewTokenSource がエラーを返した: %v", err)
	}
	if _, err := ts.Token(context.Background()); err == nil {
		t.Fatal("エラーステータスの場合はエラーを返すこと")
	}
}
