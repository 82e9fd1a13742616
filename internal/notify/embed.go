// Package notify はチャプター更新をDiscord Webhookへ通知する。
// 埋め込みメッセージの組み立て、送信とレート制限時の再送、
// 宛先ごとの並列ディスパッチを含む。
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/mangawatch/internal/model"
)

const (
	embedColor  = 0xf69220
	footerText  = "New chapter available"
	siteBaseURL = "https://mangadex.org"
	ogImageURL  = "https://og.mangadex.org/og-image/chapter/"
)

// Payload はDiscord Webhookへ送信するJSONボディ。
type Payload struct {
	Username  string  `json:"username,omitempty"`
	AvatarURL string  `json:"avatar_url,omitempty"`
	Embeds    []Embed `json:"embeds"`
}

// Embed はDiscordの埋め込みメッセージ。
type Embed struct {
	Title       string       `json:"title"`
	URL         string       `json:"url"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Image       *EmbedImage  `json:"image,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

// EmbedImage は埋め込みの画像。
type EmbedImage struct {
	URL string `json:"url"`
}

// EmbedFooter は埋め込みのフッター。
type EmbedFooter struct {
	Text string `json:"text"`
}

// Sanitizer はAPI由来の文字列をプレーンテキストへ変換する。
type Sanitizer interface {
	Sanitize(raw string) string
}

// EmbedBuilder はチャプターから送信ペイロードを組み立てる。
type EmbedBuilder struct {
	username  string
	avatarURL string
	sanitizer Sanitizer
}

// NewEmbedBuilder はEmbedBuilderの新しいインスタンスを生成する。
func NewEmbedBuilder(username, avatarURL string, sanitizer Sanitizer) *EmbedBuilder {
	return &EmbedBuilder{
		username:  username,
		avatarURL: avatarURL,
		sanitizer: sanitizer,
	}
}

// Build はチャプター1件分のペイロードを生成する。
// 同じチャプターの通知先が複数ある場合も同一のペイロードを共有してよい。
func (b *EmbedBuilder) Build(ch *model.Chapter) *Payload {
	label := DescribeChapter(ch.Volume, ch.Number, b.sanitizer.Sanitize(ch.Title))
	title := b.sanitizer.Sanitize(ch.MangaTitle)
	if title == "" {
		title = "Unknown title"
	}

	embed := Embed{
		Title:       title,
		URL:         siteBaseURL + "/title/" + ch.MangaID,
		Description: fmt.Sprintf("[[%s] %s](%s)", ch.Language, escapeLinkText(label), escapeLinkURL(ChapterURL(ch))),
		Color:       embedColor,
		Image:       &EmbedImage{URL: ogImageURL + ch.ID},
		Footer:      &EmbedFooter{Text: footerText},
	}
	if !ch.PostedAt.IsZero() {
		embed.Timestamp = ch.PostedAt.UTC().Format(time.RFC3339)
	}

	return &Payload{
		Username:  b.username,
		AvatarURL: b.avatarURL,
		Embeds:    []Embed{embed},
	}
}

// DescribeChapter は巻数・話数・タイトルから表示用ラベルを生成する。
//
//	巻と話   → "Volume 3, Chapter 12"
//	巻のみ   → "Volume 3"
//	話のみ   → "Chapter 12"
//	どちらもなし → "Oneshot"
//
// タイトルがある場合は " - {title}" を末尾に付ける。
func DescribeChapter(volume, number, title string) string {
	var label string
	switch {
	case volume != "" && number != "":
		label = fmt.Sprintf("Volume %s, Chapter %s", volume, number)
	case volume != "":
		label = "Volume " + volume
	case number != "":
		label = "Chapter " + number
	default:
		label = "Oneshot"
	}
	if title != "" {
		label += " - " + title
	}
	return label
}

// ChapterURL はチャプターの閲覧URLを返す。外部URLがあればそれを優先する。
func ChapterURL(ch *model.Chapter) string {
	if ch.ExternalURL != "" {
		return ch.ExternalURL
	}
	return siteBaseURL + "/chapter/" + ch.ID
}

// escapeLinkText はMarkdownリンクのテキスト部を壊す角括弧をエスケープする。
func escapeLinkText(s string) string {
	r := strings.NewReplacer("[", `\[`, "]", `\]`)
	return r.Replace(s)
}

// escapeLinkURL はMarkdownリンクの宛先部を途中で閉じる文字をパーセントエンコードする。
func escapeLinkURL(s string) string {
	r := strings.NewReplacer(" ", "%20", "(", "%28", ")", "%29")
	return r.Replace(s)
}
