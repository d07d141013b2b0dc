package streamengine

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"github.com/flashcdc/cdc-ingestor/internal/ingesterr"
	"github.com/flashcdc/cdc-ingestor/internal/metrics"
	"github.com/flashcdc/cdc-ingestor/internal/pubsubapi"
)

// processEvent decodes one broker event, evaluates whether each changed
// record should be delivered, dispatches the webhooks that are needed, and
// decides whether the replay cursor is safe to advance. Any error here is
// recorded on the status and logged — it never tears down the stream.
func (s *subscribeSession) processEvent(ctx context.Context, ce pubsubapi.ConsumerEvent) {
	e := s.engine
	logger := e.logger

	metrics.EventsReceived.WithLabelValues(strconv.FormatInt(e.client.ID, 10)).Inc()

	decoded, err := s.decoder.Decode(ce.SchemaID, ce.Payload)
	if err != nil {
		e.recordError((&ingesterr.EventProcessingError{Msg: "decode failed", Err: err}).Error())
		logger.Error("event decode failed", zap.Error(err))
		return
	}

	header, _ := decoded["ChangeEventHeader"].(map[string]any)
	commitMS, haveCommitMS := normalizeCommitMS(header["commitTimestamp"])

	var rid string
	if len(ce.ReplayID) > 0 {
		rid = encodeReplayID(ce.ReplayID)
	}

	// Backfill tail of a "since" start: too old to deliver, but the cursor
	// still has to move past it or the same tail replays on every reconnect.
	if s.replayStart.DropBeforeMS != nil && haveCommitMS && commitMS < *s.replayStart.DropBeforeMS {
		s.saveCursor(ctx, rid, commitMS, haveCommitMS)
		e.bumpEvent(commitMS, haveCommitMS, 0)
		return
	}

	entity, _ := header["entityName"].(string)
	changeType, _ := header["changeType"].(string)
	recordIDs := toStringSlice(header["recordIds"])

	logger.Info("change event received",
		zap.String("entity", entity),
		zap.String("change_type", changeType),
		zap.Strings("record_ids", recordIDs),
	)

	if len(recordIDs) == 0 {
		s.saveCursor(ctx, rid, commitMS, haveCommitMS)
		e.bumpEvent(commitMS, haveCommitMS, 0)
		return
	}

	flashRaw := decoded["FlashField__c"]

	attempted, succeeded := 0, 0
	var lastStatus int
	for idx, recordID := range recordIDs {
		raw := flashValueFor(flashRaw, idx)
		flag, ok, coerced := normalizeFlashFlag(raw)
		if coerced {
			logger.Warn("filter field has an unexpected type, coerced by truthiness",
				zap.String("record_id", recordID), zap.Any("value", raw))
		}
		if !ok || !flag {
			continue
		}

		attempted++
		payload := map[string]any{
			"client_id": e.client.ID,
			"topic":     e.client.TopicName,
			"schema_id": ce.SchemaID,
			"recordId":  recordID,
			"decoded":   withSingleRecordID(decoded, header, recordID),
		}

		if err := e.dispatcher.Deliver(ctx, e.client.WebhookURL, e.client.Name, payload); err != nil {
			logger.Warn("webhook delivery failed", zap.String("record_id", recordID), zap.Error(err))
			var wf *ingesterr.WebhookFailure
			if errors.As(err, &wf) {
				lastStatus = wf.Status
			}
			continue
		}
		succeeded++
		lastStatus = 200
	}

	// Only advance the cursor when every attempted webhook succeeded (or
	// none was needed) — a partial failure means the whole event replays
	// on the next reconnect so the failed record gets retried too.
	if attempted == 0 || succeeded == attempted {
		s.saveCursor(ctx, rid, commitMS, haveCommitMS)
	} else {
		logger.Warn("not advancing replay cursor, one or more webhooks failed",
			zap.Int("attempted", attempted), zap.Int("succeeded", succeeded))
	}

	e.bumpEvent(commitMS, haveCommitMS, lastStatus)
}

// saveCursor writes the replay cursor for one event, if the event carried a
// replay id at all.
func (s *subscribeSession) saveCursor(ctx context.Context, rid string, commitMS int64, haveCommitMS bool) {
	if rid == "" {
		return
	}
	e := s.engine

	var commitPtr *int64
	if haveCommitMS {
		commitPtr = &commitMS
	}
	e.offsets.Save(ctx, e.client.ID, e.client.TopicName, rid, commitPtr)
	metrics.OffsetCommits.WithLabelValues(strconv.FormatInt(e.client.ID, 10)).Inc()

	e.mu.Lock()
	e.status.LastReplayB64 = rid
	e.mu.Unlock()
}

func (e *Engine) bumpEvent(commitMS int64, haveCommitMS bool, webhookStatus int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.status.EventsReceived++
	if haveCommitMS {
		ms := commitMS
		e.status.LastEventAtMS = &ms
	}
	if webhookStatus != 0 {
		e.status.LastWebhookStatus = webhookStatus
	}
}

func flashValueFor(raw any, idx int) any {
	if list, ok := raw.([]any); ok {
		if idx < len(list) {
			return list[idx]
		}
		return nil
	}
	return raw
}

func withSingleRecordID(decoded map[string]any, header map[string]any, recordID string) map[string]any {
	out := make(map[string]any, len(decoded))
	for k, v := range decoded {
		out[k] = v
	}
	if header != nil {
		h := make(map[string]any, len(header))
		for k, v := range header {
			h[k] = v
		}
		h["recordIds"] = []string{recordID}
		out["ChangeEventHeader"] = h
	}
	return out
}

func toStringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
