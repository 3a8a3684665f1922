package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type settlementRow struct {
	ID           string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	PoolID       string `parquet:"name=pool_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Caller       string `parquet:"name=caller, type=BYTE_ARRAY, convertedtype=UTF8"`
	FromTick     int64  `parquet:"name=from_tick, type=INT64"`
	ToTick       int64  `parquet:"name=to_tick, type=INT64"`
	Partial      bool   `parquet:"name=partial, type=BOOLEAN"`
	LegDirection string `parquet:"name=leg_direction, type=BYTE_ARRAY, convertedtype=UTF8"`
	LegAmountIn  string `parquet:"name=leg_amount_in, type=BYTE_ARRAY, convertedtype=UTF8"`
	LegAmountOut string `parquet:"name=leg_amount_out, type=BYTE_ARRAY, convertedtype=UTF8"`
	ConsumedA    string `parquet:"name=consumed_a, type=BYTE_ARRAY, convertedtype=UTF8"`
	ConsumedB    string `parquet:"name=consumed_b, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProceedsA    string `parquet:"name=proceeds_a, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProceedsB    string `parquet:"name=proceeds_b, type=BYTE_ARRAY, convertedtype=UTF8"`
	Fills        int32  `parquet:"name=fills, type=INT32"`
	Completed    int32  `parquet:"name=completed, type=INT32"`
	Quality      int64  `parquet:"name=quality, type=INT64"`
	CreatedAt    string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportSettlements writes the pool's settlement history to w as a
// snappy-compressed parquet file, oldest first. Amounts are kept as decimal
// strings. It returns the number of rows written.
func (s *Storage) ExportSettlements(ctx context.Context, w io.Writer, poolID string, limit int) (int, error) {
	rows, err := s.Settlements(ctx, poolID, limit)
	if err != nil {
		return 0, err
	}
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(w), new(settlementRow), 1)
	if err != nil {
		return 0, fmt.Errorf("storage: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if err := pw.Write(&settlementRow{
			ID:           row.ID.String(),
			PoolID:       row.PoolID,
			Caller:       row.Caller,
			FromTick:     int64(row.FromTick),
			ToTick:       int64(row.ToTick),
			Partial:      row.Partial,
			LegDirection: row.LegDirection,
			LegAmountIn:  row.LegAmountIn,
			LegAmountOut: row.LegAmountOut,
			ConsumedA:    row.ConsumedA,
			ConsumedB:    row.ConsumedB,
			ProceedsA:    row.ProceedsA,
			ProceedsB:    row.ProceedsB,
			Fills:        int32(row.Fills),
			Completed:    int32(row.Completed),
			Quality:      int64(row.Quality),
			CreatedAt:    row.CreatedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			_ = pw.WriteStop()
			return 0, fmt.Errorf("storage: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return 0, fmt.Errorf("storage: parquet flush: %w", err)
	}
	return len(rows), nil
}
