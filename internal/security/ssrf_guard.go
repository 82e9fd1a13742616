// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// allowedSchemes はWebhook送信先として許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks はWebhook送信先としてブロックされるネットワーク範囲。
// パッケージ初期化時に1回だけパースする。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック (RFC 1122)
		"127.0.0.0/8",
		// リンクローカル (RFC 3927) - クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		// カレントネットワーク
		"0.0.0.0/8",
		// IPv6ループバック
		"::1/128",
		// IPv6リンクローカル
		"fe80::/10",
		// IPv6ユニークローカル
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// WebhookGuard はスプレッドシート由来のWebhook URLを検証し、
// SSRF防止機能付きのHTTPクライアントを提供する。
// Webhook URLは利用者が自由に記入できるため、送信前に必ず検証する。
type WebhookGuard struct {
	prefix string
}

// NewWebhookGuard はWebhookGuardを生成する。
// prefixが空でない場合、そのプレフィックスで始まるURLのみを許可する。
func NewWebhookGuard(prefix string) *WebhookGuard {
	return &WebhookGuard{prefix: prefix}
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// safeurlはnet.DialerのControlフックでDNS解決後のIPアドレスを検証するため、
// プライベートIPやメタデータIPへの送信、DNS再バインディングを防止できる。
func (g *WebhookGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateWebhookURL はWebhook URLがプレフィックス条件と静的なSSRF検証を満たすかを確認する。
func (g *WebhookGuard) ValidateWebhookURL(rawURL string) error {
	if g.prefix != "" && !strings.HasPrefix(rawURL, g.prefix) {
		return fmt.Errorf("webhook URL must start with %s", g.prefix)
	}
	return ValidateURL(rawURL)
}

// ValidateURL はURLの安全性を事前に検証する。
// DNS解決を伴わない静的な検証のため、DNS再バインディングは
// NewSafeClientが生成するクライアント側で防止する。
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", RedactWebhookURL(rawURL))
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

// RedactWebhookURL はログ出力用にWebhook URLのトークン部分をマスクする。
// Discord形式 /api/webhooks/{id}/{token} の場合はIDまで残し、それ以外はパスを伏せる。
func RedactWebhookURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return "***"
	}

	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(segments) >= 3 && segments[0] == "api" && segments[1] == "webhooks" {
		return fmt.Sprintf("%s://%s/api/webhooks/%s/***", parsed.Scheme, parsed.Host, segments[2])
	}
	return fmt.Sprintf("%s://%s/***", parsed.Scheme, parsed.Host)
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
