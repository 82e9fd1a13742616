package subscription

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/mangawatch/internal/model"
)

// SheetReader は購読ソースの生データを読み出すインターフェース。
// GoogleスプレッドシートとPostgreSQLの2つの実装がある。
// ストア自体に到達できない場合のみエラーを返し、シート単位の失敗はRawSheet.Errに格納する。
type SheetReader interface {
	ReadSheets(ctx context.Context) ([]model.RawSheet, error)
}

// Source はSheetReaderから読み出した行を検証し、SheetRecordの一覧を提供する。
type Source struct {
	reader    SheetReader
	validator WebhookValidator
	logger    *slog.Logger
}

// NewSource はSourceの新しいインスタンスを生成する。
func NewSource(reader SheetReader, validator WebhookValidator, logger *slog.Logger) *Source {
	return &Source{
		reader:    reader,
		validator: validator,
		logger:    logger,
	}
}

// FetchSubscriptions は全購読ソースを読み込み、検証済みのSheetRecordを返す。
// ストアに到達できない場合はSOURCE_UNAVAILABLEエラーを返す。
// 読み取りに失敗したシートは警告ログを出してスキップする。
func (s *Source) FetchSubscriptions(ctx context.Context) ([]model.SheetRecord, error) {
	start := time.Now()

	sheets, err := s.reader.ReadSheets(ctx)
	if err != nil {
		return nil, model.NewSourceUnavailableError(err)
	}

	records := make([]model.SheetRecord, 0, len(sheets))
	for _, raw := range sheets {
		if raw.Err != nil {
			s.logger.Warn("購読シートを読み取れないためスキップします",
				slog.String("source_id", raw.ID),
				slog.String("source_name", raw.Name),
				slog.String("error", raw.Err.Error()),
			)
			continue
		}

		res := ParseSheet(raw, s.validator)
		if res.DroppedWebhooks+res.DroppedIDs+res.DroppedLanguages > 0 {
			s.logger.Debug("不正な行を除外しました",
				slog.String("source_id", raw.ID),
				slog.Int("dropped_webhooks", res.DroppedWebhooks),
				slog.Int("dropped_ids", res.DroppedIDs),
				slog.Int("dropped_languages", res.DroppedLanguages),
			)
		}
		records = append(records, res.Record)
	}

	s.logger.Info("購読ソースを読み込みました",
		slog.Int("source_count", len(records)),
		slog.Int("skipped_count", len(sheets)-len(records)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return records, nil
}
