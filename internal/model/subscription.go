package model

import "sort"

// DefaultLanguage は言語列が未指定のときに使用する言語コード。
const DefaultLanguage = "en"

// RawSheet は購読ソース1件分の未検証の行データを表す。
// スプレッドシート1ファイル、またはデータベース上の1ソースに対応する。
type RawSheet struct {
	ID          string
	Name        string
	WebhookRows [][]string // webhooks!A:A
	MangaRows   [][]string // manga!A:B（ID, 言語のカンマ区切りリスト）
	// Err はシート単位の読み取り失敗を表す。非nilの場合このシートはスキップされる。
	Err error
}

// SheetRecord は検証済みの購読ソース1件分の内容を表す。
// 1サイクル内ではイミュータブルとして扱う。
type SheetRecord struct {
	SourceID      string
	Name          string
	Webhooks      []string
	Subscriptions map[string]LanguageSet // manga ID → 言語コード集合
}

// LanguageSet は言語コードの集合。
type LanguageSet map[string]struct{}

// NewLanguageSet は指定した言語コードを含むLanguageSetを生成する。
func NewLanguageSet(langs ...string) LanguageSet {
	s := make(LanguageSet, len(langs))
	for _, l := range langs {
		s[l] = struct{}{}
	}
	return s
}

// Contains は言語コードが集合に含まれるかを返す。
func (s LanguageSet) Contains(lang string) bool {
	_, ok := s[lang]
	return ok
}

// Sorted は言語コードを昇順で返す。
func (s LanguageSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for l := range s {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
