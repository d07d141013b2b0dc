package streamengine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flashcdc/cdc-ingestor/internal/pubsubapi"
)

// ReplayMode names one of the five replay-start strategies an operator can
// request when (re)starting a listener.
type ReplayMode string

const (
	ModeStored   ReplayMode = "stored" // resume from the last committed offset (default)
	ModeLatest   ReplayMode = "latest"
	ModeEarliest ReplayMode = "earliest"
	ModeCustom   ReplayMode = "custom"
	ModeSince    ReplayMode = "since"
)

// ReplayHint is the operator-supplied replay request carried through
// Manager.Start/Restart. The zero value means "stored".
type ReplayHint struct {
	Mode         ReplayMode
	SinceMinutes int
	ReplayIDB64  string
}

// SelectReplayStart resolves a ReplayHint into the concrete ReplayStart for
// one connection attempt. Called once per session, before the stream opens:
//
//	latest    → preset LATEST
//	earliest  → preset EARLIEST
//	custom    → preset CUSTOM with the decoded id; LATEST if the base64 is bad
//	since     → preset EARLIEST, locally dropping events committed before the cutoff
//	stored    → preset CUSTOM from the offset store; EARLIEST if absent,
//	            clear-and-EARLIEST if the stored value is corrupt
func SelectReplayStart(ctx context.Context, hint ReplayHint, offsets Offsets, clientID int64, topic string, now time.Time, logger *zap.Logger) ReplayStart {
	switch hint.Mode {
	case ModeLatest:
		return ReplayStart{Preset: pubsubapi.ReplayLatest}

	case ModeEarliest:
		return ReplayStart{Preset: pubsubapi.ReplayEarliest}

	case ModeCustom:
		raw, err := decodeReplayID(hint.ReplayIDB64)
		if err != nil {
			logger.Warn("custom replay id is not valid base64, falling back to LATEST", zap.Error(err))
			return ReplayStart{Preset: pubsubapi.ReplayLatest}
		}
		return ReplayStart{Preset: pubsubapi.ReplayCustom, ReplayID: raw}

	case ModeSince:
		if hint.SinceMinutes <= 0 {
			return ReplayStart{Preset: pubsubapi.ReplayEarliest}
		}
		cutoff := now.UnixMilli() - int64(hint.SinceMinutes)*60_000
		return ReplayStart{Preset: pubsubapi.ReplayEarliest, DropBeforeMS: &cutoff}

	default: // ModeStored and the zero value
		b64, ok := offsets.Load(ctx, clientID, topic)
		if !ok || b64 == "" {
			return ReplayStart{Preset: pubsubapi.ReplayEarliest}
		}
		raw, err := decodeReplayID(b64)
		if err != nil {
			logger.Warn("stored replay id is corrupt base64, clearing and falling back to EARLIEST", zap.Error(err))
			offsets.Clear(ctx, clientID, topic)
			return ReplayStart{Preset: pubsubapi.ReplayEarliest}
		}
		return ReplayStart{Preset: pubsubapi.ReplayCustom, ReplayID: raw}
	}
}

// Describe renders the start point for status surfaces and log lines.
func (r ReplayStart) Describe() string {
	switch {
	case r.Preset == pubsubapi.ReplayCustom:
		return fmt.Sprintf("CUSTOM(%s)", encodeReplayID(r.ReplayID))
	case r.DropBeforeMS != nil:
		return fmt.Sprintf("EARLIEST(drop_before_ms=%d)", *r.DropBeforeMS)
	default:
		return r.Preset.String()
	}
}
