// Package reconcile はカタログの更新差分と購読表を突き合わせ、
// 送信すべき通知の集合を算出する。
package reconcile

import (
	"sort"

	"github.com/hitoshi/mangawatch/internal/model"
)

// DestinationKey は通知先を引くためのキー（manga ID, 言語コード）。
type DestinationKey struct {
	MangaID  string
	Language string
}

// DestinationIndex は (manga ID, 言語) から通知先Webhook集合への対応表。
// 毎サイクル全SheetRecordから作り直すため、古いエントリは残らない。
type DestinationIndex struct {
	entries map[DestinationKey]map[string]struct{}
}

// BuildIndex は全SheetRecordを平坦化してDestinationIndexを構築する。
// 同じキーを購読する全シートのWebhookを集合として併合するため、
// 複数シートに同じWebhookがあっても1回しか登録されない。
func BuildIndex(records []model.SheetRecord) *DestinationIndex {
	idx := &DestinationIndex{entries: make(map[DestinationKey]map[string]struct{})}

	for _, rec := range records {
		if len(rec.Webhooks) == 0 {
			continue
		}
		for mangaID, langs := range rec.Subscriptions {
			for lang := range langs {
				key := DestinationKey{MangaID: mangaID, Language: lang}
				set, ok := idx.entries[key]
				if !ok {
					set = make(map[string]struct{}, len(rec.Webhooks))
					idx.entries[key] = set
				}
				for _, hook := range rec.Webhooks {
					set[hook] = struct{}{}
				}
			}
		}
	}

	return idx
}

// Lookup はキーに対応する通知先を昇順で返す。未登録の場合はnilを返す。
func (idx *DestinationIndex) Lookup(mangaID, language string) []string {
	set := idx.entries[DestinationKey{MangaID: mangaID, Language: language}]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for hook := range set {
		out = append(out, hook)
	}
	sort.Strings(out)
	return out
}

// Len は登録されているキーの数を返す。
func (idx *DestinationIndex) Len() int {
	return len(idx.entries)
}

// Languages は登録されている言語コードを昇順で返す。
// カタログAPIのtranslatedLanguage[]絞り込みに使用する。
func (idx *DestinationIndex) Languages() []string {
	seen := make(map[string]struct{})
	for key := range idx.entries {
		seen[key.Language] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// WebhookCount は重複を除いた通知先Webhookの総数を返す。
func (idx *DestinationIndex) WebhookCount() int {
	seen := make(map[string]struct{})
	for _, set := range idx.entries {
		for hook := range set {
			seen[hook] = struct{}{}
		}
	}
	return len(seen)
}
