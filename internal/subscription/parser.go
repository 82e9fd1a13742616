// Package subscription は購読ソースの読み込みと検証を提供する。
// 行単位の検証で不正な値を個別に除外し、SheetRecordを組み立てる。
package subscription

import (
	"regexp"
	"strings"

	"github.com/hitoshi/mangawatch/internal/model"
)

var (
	// mangaIDPattern はmanga IDとして受け付けるUUID形式。
	mangaIDPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	// languagePattern は言語コード（例: en, pt-br）として受け付ける形式。
	languagePattern = regexp.MustCompile(`^[a-z]{2}(-[a-z]{2})?$`)
	// listSeparator はカンマ区切りリストの区切り（前後の空白を含む）。
	listSeparator = regexp.MustCompile(`\s*,\s*`)
)

// WebhookValidator はWebhook URLの検証インターフェース。
type WebhookValidator interface {
	ValidateWebhookURL(rawURL string) error
}

// ParseResult は1シートの解析結果と除外件数を保持する。
type ParseResult struct {
	Record           model.SheetRecord
	DroppedWebhooks  int
	DroppedIDs       int
	DroppedLanguages int
}

// ParseSheet は未検証の行データをSheetRecordに変換する。
// 不正なWebhook、ID、言語コードは個別に除外され、エラーにはならない。
// 同じmanga IDが複数行に現れた場合は言語集合を併合する。
func ParseSheet(raw model.RawSheet, validator WebhookValidator) ParseResult {
	res := ParseResult{
		Record: model.SheetRecord{
			SourceID:      raw.ID,
			Name:          raw.Name,
			Webhooks:      []string{},
			Subscriptions: make(map[string]model.LanguageSet),
		},
	}

	seenWebhooks := make(map[string]bool)
	for _, row := range raw.WebhookRows {
		if len(row) == 0 {
			continue
		}
		hook := strings.TrimSpace(row[0])
		if hook == "" {
			continue
		}
		if validator != nil {
			if err := validator.ValidateWebhookURL(hook); err != nil {
				res.DroppedWebhooks++
				continue
			}
		}
		if seenWebhooks[hook] {
			continue
		}
		seenWebhooks[hook] = true
		res.Record.Webhooks = append(res.Record.Webhooks, hook)
	}

	for _, row := range raw.MangaRows {
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}

		var langCell string
		if len(row) >= 2 {
			langCell = row[1]
		}
		langs, dropped := parseLanguages(langCell)
		res.DroppedLanguages += dropped

		for _, id := range splitList(row[0]) {
			id = strings.ToLower(id)
			if !mangaIDPattern.MatchString(id) {
				res.DroppedIDs++
				continue
			}
			set, ok := res.Record.Subscriptions[id]
			if !ok {
				set = model.NewLanguageSet()
				res.Record.Subscriptions[id] = set
			}
			for _, l := range langs {
				set[l] = struct{}{}
			}
		}
	}

	return res
}

// parseLanguages は言語セルを解析する。空セルはDefaultLanguageとして扱う。
// 戻り値は有効な言語コードと除外件数。
func parseLanguages(cell string) ([]string, int) {
	if strings.TrimSpace(cell) == "" {
		return []string{model.DefaultLanguage}, 0
	}

	var langs []string
	dropped := 0
	for _, l := range splitList(cell) {
		l = strings.ToLower(l)
		if !languagePattern.MatchString(l) {
			dropped++
			continue
		}
		langs = append(langs, l)
	}
	return langs, dropped
}

// splitList はカンマ区切りのセルを分割し、空要素を除いて返す。
func splitList(cell string) []string {
	parts := listSeparator.Split(strings.TrimSpace(cell), -1)
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
