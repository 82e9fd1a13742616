package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/mangawatch/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

const testMangaID = "a96676e5-8ae2-425e-b549-7f15dd34a6d8"

// chapterJSON はテスト用のチャプターJSONを生成する。
func chapterJSON(id string) map[string]any {
	return map[string]any{
		"id":   id,
		"type": "chapter",
		"attributes": map[string]any{
			"volume":             "3",
			"chapter":            "12",
			"title":              "Arc",
			"translatedLanguage": "en",
			"externalUrl":        nil,
			"publishAt":          "2024-05-01T10:00:00+00:00",
			"readableAt":         "2024-05-01T11:00:00+00:00",
			"createdAt":          "2024-05-01T09:00:00+00:00",
			"updatedAt":          "2024-05-01T12:00:00+00:00",
		},
		"relationships": []map[string]any{
			{"id": "11111111-2222-3333-4444-555555555555", "type": "scanlation_group"},
			{
				"id":   testMangaID,
				"type": "manga",
				"attributes": map[string]any{
					"title": map[string]string{"ja": "テスト", "en": "Test Manga"},
				},
			},
		},
	}
}

// pagedServer はtotal件を持つページングサーバーを起動する。
func pagedServer(t *testing.T, total int, failAtOffset int) (*httptest.Server, *[]int) {
	t.Helper()
	var mu sync.Mutex
	offsets := []int{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chapter" {
			t.Errorf("path = %s, want /chapter", r.URL.Path)
		}
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		mu.Lock()
		offsets = append(offsets, offset)
		mu.Unlock()

		if offset == failAtOffset {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		n := limit
		if total-offset < n {
			n = total - offset
		}
		data := make([]map[string]any, 0, n)
		for i := 0; i < n; i++ {
			data = append(data, chapterJSON(fmt.Sprintf("chapter-%d", offset+i)))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"result":   "ok",
			"response": "collection",
			"data":     data,
			"limit":    limit,
			"offset":   offset,
			"total":    total,
		})
	}))
	t.Cleanup(server.Close)

	return server, &offsets
}

func newTestClient(server *httptest.Server, logger *slog.Logger, opts ...Option) *Client {
	opts = append([]Option{WithEndpoint(server.URL), WithPageDelay(0)}, opts...)
	return NewClient(server.Client(), logger, opts...)
}

func TestNewClient_ReturnsNonNil(t *testing.T) {
	var buf bytes.Buffer
	c := NewClient(http.DefaultClient, newTestLogger(&buf))
	if c == nil {
		t.Fatal("NewClient は nil を返してはならない")
	}
	if c.endpoint != defaultEndpoint {
		t.Errorf("endpoint = %q, want %q", c.endpoint, defaultEndpoint)
	}
}

func TestClient_FetchUpdatedItems_QueryParameters(t *testing.T) {
	since := time.Date(2024, 5, 1, 21, 30, 0, 0, time.FixedZone("JST", 9*60*60))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("updatedAtSince"); got != "2024-05-01T12:30:00" {
			t.Errorf("updatedAtSince = %q, want 2024-05-01T12:30:00 (UTC, オフセットなし)", got)
		}
		if got := q.Get("limit"); got != "100" {
			t.Errorf("limit = %q, want 100", got)
		}
		if got := q.Get("offset"); got != "0" {
			t.Errorf("offset = %q, want 0", got)
		}
		if got := q["includes[]"]; len(got) != 1 || got[0] != "manga" {
			t.Errorf("includes[] = %v, want [manga]", got)
		}
		if got := q["translatedLanguage[]"]; len(got) != 2 || got[0] != "en" || got[1] != "ja" {
			t.Errorf("translatedLanguage[] = %v, want [en ja]", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":"ok","data":[],"limit":100,"offset":0,"total":0}`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := newTestClient(server, newTestLogger(&buf))

	chapters, err := c.FetchUpdatedItems(context.Background(), since, []string{"en", "ja"})
	if err != nil {
		t.Fatalf("FetchUpdatedItems がエラーを返した: %v", err)
	}
	if len(chapters) != 0 {
		t.Errorf("chapters = %d, want 0", len(chapters))
	}
}

func TestClient_FetchUpdatedItems_PaginatesUntilTotal(t *testing.T) {
	server, offsets := pagedServer(t, 250, -1)

	var buf bytes.Buffer
	c := newTestClient(server, newTestLogger(&buf))

	chapters, err := c.FetchUpdatedItems(context.Background(), time.Now().Add(-time.Hour), nil)
	if err != nil {
		t.Fatalf("FetchUpdatedItems がエラーを返した: %v", err)
	}

	want := []int{0, 100, 200}
	if len(*offsets) != len(want) {
		t.Fatalf("requested offsets = %v, want %v", *offsets, want)
	}
	for i, o := range want {
		if (*offsets)[i] != o {
			t.Errorf("offsets[%d] = %d, want %d", i, (*offsets)[i], o)
		}
	}
	if len(chapters) != 250 {
		t.Errorf("chapters = %d, want 250", len(chapters))
	}
	if chapters[0].ID != "chapter-0" || chapters[249].ID != "chapter-249" {
		t.Error("ページ順にチャプターが並ぶこと")
	}
}

func TestClient_FetchUpdatedItems_ExactBoundaryStops(t *testing.T) {
	server, offsets := pagedServer(t, 200, -1)

	var buf bytes.Buffer
	c := newTestClient(server, newTestLogger(&buf))

	if _, err := c.FetchUpdatedItems(context.Background(), time.Now(), nil); err != nil {
		t.Fatalf("FetchUpdatedItems がエラーを返した: %v", err)
	}
	// total - offset == limit で終了する
	if len(*offsets) != 2 {
		t.Errorf("requested offsets = %v, want [0 100]", *offsets)
	}
}

func TestClient_FetchUpdatedItems_MidPaginationFailureDiscardsPages(t *testing.T) {
	server, _ := pagedServer(t, 250, 100)

	var buf bytes.Buffer
	c := newTestClient(server, newTestLogger(&buf))

	chapters, err := c.FetchUpdatedItems(context.Background(), time.Now(), nil)
	if err == nil {
		t.Fatal("途中のページで失敗した場合はエラーを返すこと")
	}
	if chapters != nil {
		t.Errorf("chapters = %d件, 取得済みページは破棄されること", len(chapters))
	}
	if !model.IsKind(err, model.ErrKindCatalogFetch) {
		t.Errorf("error = %v, want CATALOG_FETCH_FAILED", err)
	}
}

func TestClient_FetchUpdatedItems_StopsAtOffsetWindow(t *testing.T) {
	server, offsets := pagedServer(t, 20000, -1)

	var buf bytes.Buffer
	c := newTestClient(server, newTestLogger(&buf))

	chapters, err := c.FetchUpdatedItems(context.Background(), time.Now(), nil)
	if err != nil {
		t.Fatalf("FetchUpdatedItems がエラーを返した: %v", err)
	}
	if len(*offsets) != 100 {
		t.Errorf("requests = %d, want 100", len(*offsets))
	}
	if last := (*offsets)[len(*offsets)-1]; last != 9900 {
		t.Errorf("last offset = %d, want 9900", last)
	}
	if len(chapters) != 10000 {
		t.Errorf("chapters = %d, want 10000", len(chapters))
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"level":"WARN"`)) {
		t.Error("取得上限に達した場合は警告ログを出力すること")
	}
}

func TestClient_FetchUpdatedItems_MapsChapterFields(t *testing.T) {
	server, _ := pagedServer(t, 1, -1)

	var buf bytes.Buffer
	c := newTestClient(server, newTestLogger(&buf))

	chapters, err := c.FetchUpdatedItems(context.Background(), time.Now(), nil)
	if err != nil {
		t.Fatalf("FetchUpdatedItems がエラーを返した: %v", err)
	}
	if len(chapters) != 1 {
		t.Fatalf("chapters = %d, want 1", len(chapters))
	}

	ch := chapters[0]
	if ch.MangaID != testMangaID {
		t.Errorf("MangaID = %q, want %q", ch.MangaID, testMangaID)
	}
	if ch.MangaTitle != "Test Manga" {
		t.Errorf("MangaTitle = %q, want Test Manga", ch.MangaTitle)
	}
	if ch.Volume != "3" || ch.Number != "12" || ch.Title != "Arc" || ch.Language != "en" {
		t.Errorf("chapter = %+v", ch)
	}
	if ch.ExternalURL != "" {
		t.Errorf("ExternalURL = %q, want empty", ch.ExternalURL)
	}
	want := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	if !ch.PostedAt.Equal(want) {
		t.Errorf("PostedAt = %v, want readableAt %v", ch.PostedAt, want)
	}
}

func TestPostedAt_FallbackOrder(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	published := created.Add(time.Hour)

	if got := postedAt(&chapterAttributes{CreatedAt: &created}); !got.Equal(created) {
		t.Errorf("postedAt = %v, want createdAt", got)
	}
	if got := postedAt(&chapterAttributes{CreatedAt: &created, PublishAt: &published}); !got.Equal(published) {
		t.Errorf("postedAt = %v, want publishAt", got)
	}
}

func TestToChapter_OrphanWithoutMangaRelationship(t *testing.T) {
	var buf bytes.Buffer
	d := chapterData{
		ID: "orphan",
		Relationships: []relationship{
			{ID: "11111111-2222-3333-4444-555555555555", Type: "user"},
			{ID: "not-a-uuid", Type: "manga"},
		},
	}

	ch := d.toChapter(newTestLogger(&buf))
	if ch.HasParent() {
		t.Errorf("MangaID = %q, 不正なIDは親として扱わないこと", ch.MangaID)
	}
}

func TestToChapter_UsesFirstMangaRelationshipOnly(t *testing.T) {
	var buf bytes.Buffer
	second := "22222222-2222-2222-2222-222222222222"
	d := chapterData{
		ID: "c1",
		Relationships: []relationship{
			{ID: testMangaID, Type: "manga"},
			{ID: second, Type: "manga"},
		},
	}

	ch := d.toChapter(newTestLogger(&buf))
	if ch.MangaID != testMangaID {
		t.Errorf("MangaID = %q, want first relationship %q", ch.MangaID, testMangaID)
	}
}

func TestPickTitle(t *testing.T) {
	if got := pickTitle(map[string]string{"ja": "B", "en": "A"}); got != "A" {
		t.Errorf("pickTitle = %q, want A", got)
	}
	if got := pickTitle(map[string]string{"ko": "K", "ja": "J"}); got != "J" {
		t.Errorf("pickTitle = %q, want J (言語コード順)", got)
	}
	if got := pickTitle(nil); got != "" {
		t.Errorf("pickTitle(nil) = %q, want empty", got)
	}
}

type mockMetrics struct {
	mu       sync.Mutex
	statuses []int
}

func (m *mockMetrics) RecordCatalogPage(status int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
}

func TestClient_RecordsPageMetrics(t *testing.T) {
	server, _ := pagedServer(t, 150, -1)
	m := &mockMetrics{}

	var buf bytes.Buffer
	c := newTestClient(server, newTestLogger(&buf), WithMetrics(m))

	if _, err := c.FetchUpdatedItems(context.Background(), time.Now(), nil); err != nil {
		t.Fatalf("FetchUpdatedItems がエラーを返した: %v", err)
	}
	if len(m.statuses) != 2 || m.statuses[0] != http.StatusOK {
		t.Errorf("recorded statuses = %v, want [200 200]", m.statuses)
	}
}
