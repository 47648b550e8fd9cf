package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polybook/internal/domain"
)

const contentTypeNDJSON = "application/x-ndjson"

// archivedTrade is one JSONL line of a trade archive object.
type archivedTrade struct {
	TokenID   string          `json:"token_id"`
	TradeID   string          `json:"trade_id"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Side      domain.Side     `json:"side"`
	Timestamp time.Time       `json:"timestamp"`
}

// TradeArchiver serialises trade batches to JSONL and uploads each batch as
// a new object. Objects are never overwritten.
type TradeArchiver struct {
	writer domain.BlobWriter
	now    func() time.Time
}

// NewTradeArchiver creates a TradeArchiver uploading through writer.
func NewTradeArchiver(writer domain.BlobWriter) *TradeArchiver {
	return &TradeArchiver{writer: writer, now: time.Now}
}

// ArchiveTrades uploads trades of inst and returns the object path written.
// An empty batch uploads nothing and returns "".
func (a *TradeArchiver) ArchiveTrades(ctx context.Context, inst domain.Instrument, trades []domain.TradeRecord) (string, error) {
	if len(trades) == 0 {
		return "", nil
	}

	records := make([]archivedTrade, len(trades))
	for i, t := range trades {
		records[i] = archivedTrade{
			TokenID:   inst.TokenID,
			TradeID:   t.TradeID,
			Price:     t.Price,
			Size:      t.Size,
			Side:      t.Side,
			Timestamp: t.Timestamp,
		}
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive trades %s marshal: %w", inst, err)
	}

	path := archivePath(inst, a.now())
	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), contentTypeNDJSON)
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive trades %s upload: %w", inst, err)
	}
	return path, nil
}

// archivePath builds the object path for a trade batch, partitioned by
// instrument and UTC day:
//
//	trades/<token_id>/2025-01-31/153000-<uuid>.jsonl
func archivePath(inst domain.Instrument, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("trades/%s/%s/%s-%s.jsonl",
		inst.TokenID, at.Format("2006-01-02"), at.Format("150405"), uuid.NewString())
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
