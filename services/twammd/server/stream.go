package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"nhooyr.io/websocket"

	"twamm/core/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	streamBatch    = 64
)

// handleEventStream upgrades to a websocket and pushes every buffered event
// with a sequence above ?after, then follows new events until the client
// disconnects.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, fmt.Errorf("%w: invalid after", errBadRequest))
			return
		}
		after = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	if err := streamEvents(ctx, conn, s.events, after); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Printf("twammd: event stream: %v", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamEvents(ctx context.Context, conn *websocket.Conn, buf *events.Buffer, after uint64) error {
	for {
		// Take the wait channel before reading so an emit between the two
		// calls is not missed.
		wait := buf.Wait()
		for _, record := range buf.Since(after, streamBatch) {
			if err := writeRecord(ctx, conn, record); err != nil {
				return err
			}
			after = record.Sequence
		}
		if buf.Latest() > after {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

func writeRecord(ctx context.Context, conn *websocket.Conn, record events.Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
