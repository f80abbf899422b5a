package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"github.com/labstack/echo/v4"

	"github.com/cabril87/100-days-of-fullstack-sub005/board"
	"github.com/cabril87/100-days-of-fullstack-sub005/domain"
)

const (
	healthTimeout      = 5 * time.Second
	streamPollInterval = 2 * time.Second
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, mounts *Mounts, events EventRouter, dedupe Deduper, broker Broker, store, cache Pinger, logger *log.Logger) {
	e.GET("/api/boards/:boardID", getBoard(mounts))
	e.GET("/api/boards/:boardID/wip", getWipReport(mounts))
	e.GET("/api/boards/:boardID/stream", streamBoard(mounts, broker))

	e.POST("/api/boards/:boardID/gestures", beginGesture(mounts))
	e.PUT("/api/boards/:boardID/gestures/:gestureID/hover", hoverGesture(mounts))
	e.POST("/api/boards/:boardID/gestures/:gestureID/drop", dropGesture(mounts, broker, logger))
	e.DELETE("/api/boards/:boardID/gestures/:gestureID", cancelGesture(mounts))

	e.POST("/api/boards/:boardID/columns", createColumn(mounts, broker))
	e.PUT("/api/boards/:boardID/columns/order", reorderColumns(mounts, broker))
	e.PUT("/api/boards/:boardID/columns/:columnID", updateColumn(mounts, broker))
	e.DELETE("/api/boards/:boardID/columns/:columnID", deleteColumn(mounts, broker))

	e.POST("/api/events", postEvents(events, dedupe, broker, logger), GzipRequestMiddleware())
	e.GET("/healthz", healthz(store, cache))
}

func getBoard(mounts *Mounts) echo.HandlerFunc {
	return func(c echo.Context) error {
		eng, err := mounts.Engine(c.Request().Context(), c.Param("boardID"))
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "storage"})
		}
		return c.JSON(http.StatusOK, eng.Snapshot())
	}
}

func getWipReport(mounts *Mounts) echo.HandlerFunc {
	return func(c echo.Context) error {
		eng, err := mounts.Engine(c.Request().Context(), c.Param("boardID"))
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "storage"})
		}
		return c.JSON(http.StatusOK, eng.WipReport())
	}
}

func beginGesture(mounts *Mounts) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req beginGestureRequest
		if err := decodeBody(c, gestureMaxSize, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body", Code: "bad_request"})
		}
		if req.TaskID == "" {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "taskId is required", Code: "bad_request"})
		}
		eng, err := mounts.Engine(c.Request().Context(), c.Param("boardID"))
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "storage"})
		}
		gesture, err := eng.BeginDrag(req.TaskID)
		if err != nil {
			return writeEngineError(c, err)
		}
		return c.JSON(http.StatusCreated, gesture)
	}
}

func hoverGesture(mounts *Mounts) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req gestureTargetRequest
		if err := decodeBody(c, gestureMaxSize, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body", Code: "bad_request"})
		}
		eng, err := mounts.Engine(c.Request().Context(), c.Param("boardID"))
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "storage"})
		}
		gesture, err := eng.HoverDrag(c.Param("gestureID"), req.Target)
		if err != nil {
			return writeEngineError(c, err)
		}
		return c.JSON(http.StatusOK, gesture)
	}
}

func dropGesture(mounts *Mounts, broker Broker, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMoveRequestMetrics(ctx, logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		decodeStart := time.Now()
		var req gestureTargetRequest
		decodeErr := decodeBody(c, gestureMaxSize, &req)
		metrics.ObserveDecode(time.Since(decodeStart))
		if decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body", Code: "bad_request"})
			return err
		}

		eng, mountErr := mounts.Engine(ctx, c.Param("boardID"))
		if mountErr != nil {
			metrics.SetErrorStage("mount")
			c.Logger().Error(mountErr)
			err = c.JSON(http.StatusInternalServerError, errorResponse{Error: mountErr.Error(), Code: "storage"})
			return err
		}

		dropStart := time.Now()
		decision, results, dropErr := eng.Drop(ctx, c.Param("gestureID"), req.Target)
		metrics.ObserveDrop(time.Since(dropStart))
		metrics.SetOutcome(string(decision.Outcome))
		metrics.SetTaskID(decision.TaskID)
		if dropErr != nil {
			metrics.SetErrorStage("drop")
			err = writeEngineError(c, dropErr)
			return err
		}

		boardID := eng.BoardID()
		switch decision.Outcome {
		case board.DropMoved:
			// The optimistic placement is already visible; nudge streams now
			// and again once the move settles either way.
			notifyBoard(broker, boardID)
			if results != nil {
				go func() {
					<-results
					notifyBoard(broker, boardID)
				}()
			}
			err = c.JSON(http.StatusAccepted, decision)
		case board.DropReordered:
			notifyBoard(broker, boardID)
			err = c.JSON(http.StatusOK, decision)
		default:
			err = c.JSON(http.StatusOK, decision)
		}
		return err
	}
}

func cancelGesture(mounts *Mounts) echo.HandlerFunc {
	return func(c echo.Context) error {
		eng, err := mounts.Engine(c.Request().Context(), c.Param("boardID"))
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "storage"})
		}
		if err := eng.CancelDrag(c.Param("gestureID")); err != nil {
			return writeEngineError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func createColumn(mounts *Mounts, broker Broker) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		var req columnRequest
		if err := decodeBody(c, columnMaxSize, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body", Code: "bad_request"})
		}
		if req.Name == "" {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "name is required", Code: "bad_request"})
		}
		eng, err := mounts.Engine(ctx, c.Param("boardID"))
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "storage"})
		}
		created, err := eng.CreateColumn(ctx, domain.Column{
			Name:         req.Name,
			MappedStatus: domain.Status(req.MappedStatus),
			TaskLimit:    req.TaskLimit,
			Hidden:       req.Hidden,
		})
		if err != nil {
			return writeEngineError(c, err)
		}
		notifyBoard(broker, eng.BoardID())
		return c.JSON(http.StatusCreated, created)
	}
}

func updateColumn(mounts *Mounts, broker Broker) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		var req columnRequest
		if err := decodeBody(c, columnMaxSize, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body", Code: "bad_request"})
		}
		if req.Name == "" {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "name is required", Code: "bad_request"})
		}
		eng, err := mounts.Engine(ctx, c.Param("boardID"))
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "storage"})
		}
		updated, err := eng.UpdateColumn(ctx, domain.Column{
			ID:           c.Param("columnID"),
			Name:         req.Name,
			MappedStatus: domain.Status(req.MappedStatus),
			TaskLimit:    req.TaskLimit,
			Hidden:       req.Hidden,
		})
		if err != nil {
			return writeEngineError(c, err)
		}
		notifyBoard(broker, eng.BoardID())
		return c.JSON(http.StatusOK, updated)
	}
}

func deleteColumn(mounts *Mounts, broker Broker) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		eng, err := mounts.Engine(ctx, c.Param("boardID"))
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "storage"})
		}
		if err := eng.DeleteColumn(ctx, c.Param("columnID")); err != nil {
			return writeEngineError(c, err)
		}
		notifyBoard(broker, eng.BoardID())
		return c.NoContent(http.StatusNoContent)
	}
}

func reorderColumns(mounts *Mounts, broker Broker) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		var req reorderColumnsRequest
		if err := decodeBody(c, columnMaxSize, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body", Code: "bad_request"})
		}
		if len(req.OrderedIDs) == 0 {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "orderedIds is required", Code: "bad_request"})
		}
		eng, err := mounts.Engine(ctx, c.Param("boardID"))
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "storage"})
		}
		if err := eng.ReorderColumns(ctx, req.OrderedIDs); err != nil {
			return writeEngineError(c, err)
		}
		notifyBoard(broker, eng.BoardID())
		return c.NoContent(http.StatusNoContent)
	}
}

// postEvents is the inbound webhook for platform event feeds. Deliveries are
// at-least-once: the deduper screens repeats, and an event whose handling
// fails is released for redelivery.
func postEvents(events EventRouter, dedupe Deduper, broker Broker, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		lr := io.LimitReader(c.Request().Body, eventBatchMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		batch := make([]domain.Event, 0, 8)
		if err := dec.Decode(&batch); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body", Code: "bad_request"})
		}
		for _, ev := range batch {
			if ev.ID == "" || ev.BoardID == "" {
				return c.JSON(http.StatusBadRequest, errorResponse{Error: "events require id and boardId", Code: "bad_request"})
			}
		}

		fresh := screenBatch(ctx, dedupe, batch, logger)

		resp := eventBatchResponse{Duplicates: len(batch) - len(fresh)}
		for _, ev := range fresh {
			if handleErr := events.HandleEvent(ctx, ev); handleErr != nil {
				resp.Failed++
				logger.WithError(handleErr).WithFields(log.Fields{
					"board_id": ev.BoardID,
					"event_id": ev.ID,
					"type":     ev.Type,
				}).Error("handling board event failed")
				if dedupe != nil {
					if rerr := dedupe.Remove(ctx, ev.BoardID, ev.ID); rerr != nil {
						logger.WithError(rerr).Error("dedupe rollback failed")
					}
				}
				continue
			}
			resp.Accepted++
			notifyBoard(broker, ev.BoardID)
		}

		return c.JSON(http.StatusAccepted, resp)
	}
}

// screenBatch returns the events that pass the deduper, preserving order.
// When screening itself fails the whole board's slice is processed anyway.
func screenBatch(ctx context.Context, dedupe Deduper, batch []domain.Event, logger *log.Logger) []domain.Event {
	if dedupe == nil {
		return batch
	}

	byBoard := make(map[string][]string)
	for _, ev := range batch {
		byBoard[ev.BoardID] = append(byBoard[ev.BoardID], ev.ID)
	}

	keep := make(map[string]bool, len(batch))
	for boardID, ids := range byBoard {
		added, err := dedupe.AddMany(ctx, boardID, ids)
		if err != nil {
			logger.WithError(err).WithField("board_id", boardID).Warn("dedupe check failed, processing anyway")
			for _, id := range ids {
				keep[boardID+"/"+id] = true
			}
			continue
		}
		for i, id := range ids {
			if i < len(added) && added[i] {
				keep[boardID+"/"+id] = true
			}
		}
	}

	fresh := make([]domain.Event, 0, len(batch))
	for _, ev := range batch {
		if keep[ev.BoardID+"/"+ev.ID] {
			fresh = append(fresh, ev)
		}
	}
	return fresh
}

// streamBoard serves the board as a server-sent event stream. A snapshot
// goes out immediately, then again whenever the board version moves, found
// either through a broker nudge or the poll ticker.
func streamBoard(mounts *Mounts, broker Broker) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		boardID := c.Param("boardID")

		eng, err := mounts.Engine(ctx, boardID)
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "storage"})
		}

		resp := c.Response()
		resp.Header().Set(echo.HeaderContentType, "text/event-stream")
		resp.Header().Set(echo.HeaderCacheControl, "no-cache")
		resp.Header().Set(echo.HeaderConnection, "keep-alive")
		resp.Header().Set("X-Accel-Buffering", "no")
		flusher, ok := resp.Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}

		var nudge chan struct{}
		if broker != nil {
			nudge = broker.Subscribe(boardID)
			defer broker.Unsubscribe(boardID, nudge)
		}

		snap := eng.Snapshot()
		if writeSnapshotEvent(resp, flusher, snap) != nil {
			return nil
		}
		last := snap.Version

		ticker := time.NewTicker(streamPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-nudge:
			case <-ticker.C:
			}

			snap := eng.Snapshot()
			if snap.Version == last {
				continue
			}
			if writeSnapshotEvent(resp, flusher, snap) != nil {
				return nil
			}
			last = snap.Version
		}
	}
}

func writeSnapshotEvent(w io.Writer, flusher http.Flusher, snap board.Snapshot) error {
	payload, err := sonic.Marshal(snap)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func healthz(store, cache Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()

		checks := map[string]string{}
		healthy := true
		if store != nil {
			if err := store.Ping(ctx); err != nil {
				checks["storage"] = err.Error()
				healthy = false
			} else {
				checks["storage"] = "ok"
			}
		}
		if cache != nil {
			if err := cache.Ping(ctx); err != nil {
				checks["redis"] = err.Error()
				healthy = false
			} else {
				checks["redis"] = "ok"
			}
		}
		if !healthy {
			return c.JSON(http.StatusServiceUnavailable, checks)
		}
		return c.JSON(http.StatusOK, checks)
	}
}

// writeEngineError maps engine errors onto HTTP responses. Conflicts that
// invalidate the client's view carry a resync flag.
func writeEngineError(c echo.Context, err error) error {
	var wip WipLimitError
	if errors.As(err, &wip) {
		resp := errorResponse{Error: wip.Error(), Code: "wip_limit"}
		var rejected *board.RejectedMoveError
		if errors.As(err, &rejected) {
			resp.TaskID = rejected.TaskID
			resp.ColumnID = rejected.ColumnID
			resp.Limit = rejected.Limit
			resp.Count = rejected.Count
		}
		return c.JSON(http.StatusConflict, resp)
	}
	var structural StructuralError
	if errors.As(err, &structural) {
		return c.JSON(http.StatusConflict, errorResponse{Error: structural.Error(), Code: "invariant_violation", Resync: true})
	}
	var dup DuplicateStatusError
	if errors.As(err, &dup) {
		return c.JSON(http.StatusConflict, errorResponse{Error: dup.Error(), Code: "duplicate_status"})
	}

	switch {
	case errors.Is(err, board.ErrUnknownGesture):
		return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error(), Code: "unknown_gesture"})
	case errors.Is(err, board.ErrUnknownTask):
		return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error(), Code: "unknown_task"})
	case errors.Is(err, board.ErrUnknownColumn):
		return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error(), Code: "unknown_column"})
	case errors.Is(err, board.ErrMoveInFlight):
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error(), Code: "move_in_flight"})
	case errors.Is(err, board.ErrGestureActive):
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error(), Code: "gesture_active"})
	case errors.Is(err, board.ErrLastColumn):
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error(), Code: "last_column"})
	case errors.Is(err, board.ErrOrderMismatch):
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error(), Code: "order_mismatch", Resync: true})
	}

	c.Logger().Error(err)
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error(), Code: "internal"})
}

func notifyBoard(broker Broker, boardID string) {
	if broker != nil {
		broker.Notify(boardID)
	}
}

func decodeBody(c echo.Context, maxSize int64, v any) error {
	lr := io.LimitReader(c.Request().Body, maxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
