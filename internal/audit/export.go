package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

var exportHeader = []string{"id", "timestamp", "actor_type", "actor_id", "event_type", "resource", "detail", "row_hmac"}

// ExportCSV writes a range of entries as flat CSV for offline compliance
// review. Detail maps are serialized as JSON text in a single column.
func (l *Log) ExportCSV(ctx context.Context, w io.Writer, fromID, toID int64) error {
	entries, err := l.Entries(ctx, fromID, toID)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, entry := range entries {
		detailJSON, err := json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("failed to serialize detail for row %d: %w", entry.ID, err)
		}
		record := []string{
			strconv.FormatInt(entry.ID, 10),
			entry.Timestamp.UTC().Format(time.RFC3339Nano),
			string(entry.ActorType),
			entry.ActorID,
			entry.EventType,
			entry.Resource,
			string(detailJSON),
			entry.RowHMAC,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write csv row %d: %w", entry.ID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}
