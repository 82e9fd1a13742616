// Package sheets はGoogleスプレッドシートを購読ソースとして読み込む。
// サービスアカウントのJWTでアクセストークンを取得し、
// Drive APIで共有されたスプレッドシートを列挙してSheets APIで値を読む。
package sheets

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// defaultTokenURI はGoogleのトークンエンドポイント。
	defaultTokenURI = "https://oauth2.googleapis.com/token"
	// jwtBearerGrant はJWT Bearer方式のgrant_type。
	jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	// assertionLifetime はアサーションの有効期間（Googleの上限は1時間）。
	assertionLifetime = time.Hour
	// expiryMargin はトークン期限切れ前に更新するための余裕時間。
	expiryMargin = time.Minute
)

// Scopes はスプレッドシートの読み取りに必要なスコープ。
var Scopes = []string{
	"https://www.googleapis.com/auth/spreadsheets.readonly",
	"https://www.googleapis.com/auth/drive.readonly",
}

// TokenSource はサービスアカウントのアクセストークンを取得・キャッシュする。
type TokenSource struct {
	httpClient  *http.Client
	clientEmail string
	privateKey  *rsa.PrivateKey
	tokenURI    string
	scopes      []string

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

// NewTokenSource はPEM形式の秘密鍵からTokenSourceを生成する。
// tokenURIが空の場合はGoogleのデフォルトを使用する。
func NewTokenSource(httpClient *http.Client, clientEmail, privateKeyPEM, tokenURI string) (*TokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("サービスアカウントの秘密鍵のパースに失敗しました: %w", err)
	}
	if tokenURI == "" {
		tokenURI = defaultTokenURI
	}
	return &TokenSource{
		httpClient:  httpClient,
		clientEmail: clientEmail,
		privateKey:  key,
		tokenURI:    tokenURI,
		scopes:      Scopes,
		now:         time.Now,
	}, nil
}

// tokenResponse はトークンエンドポイントのレスポンス。
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token は有効なアクセストークンを返す。期限が近い場合は取得し直す。
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expiresAt.Add(-expiryMargin)) {
		return s.token, nil
	}

	assertion, err := s.signAssertion()
	if err != nil {
		return "", err
	}

	data := url.Values{
		"grant_type": {jwtBearerGrant},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURI, strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &apiError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response has no access_token")
	}

	s.token = tr.AccessToken
	s.expiresAt = s.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return s.token, nil
}

// signAssertion はRS256で署名したJWTアサーションを生成する。
func (s *TokenSource) signAssertion() (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iss":   s.clientEmail,
		"scope": strings.Join(s.scopes, " "),
		"aud":   s.tokenURI,
		"iat":   jwt.NewNumericDate(now),
		"exp":   jwt.NewNumericDate(now.Add(assertionLifetime)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}
