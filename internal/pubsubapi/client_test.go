package pubsubapi

import (
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/flashcdc/cdc-ingestor/internal/ingesterr"
)

func TestClassifyRPCError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want any
	}{
		{"not found is fatal", status.Error(codes.NotFound, "topic not found"), &ingesterr.FatalConfigError{}},
		{"permission denied is fatal", status.Error(codes.PermissionDenied, "no access"), &ingesterr.FatalConfigError{}},
		{"unauthenticated is fatal", status.Error(codes.Unauthenticated, "bad token"), &ingesterr.FatalConfigError{}},
		{"unavailable is transient", status.Error(codes.Unavailable, "connection reset"), &ingesterr.TransientStreamError{}},
		{"non-replay invalid argument is transient", status.Error(codes.InvalidArgument, "malformed fetch request"), &ingesterr.TransientStreamError{}},
		{"deadline is transient", status.Error(codes.DeadlineExceeded, "timed out"), &ingesterr.TransientStreamError{}},
		{"internal is transient", status.Error(codes.Internal, "server broke"), &ingesterr.TransientStreamError{}},
		{"replay text wins over code", status.Error(codes.InvalidArgument, "replay id validation failed"), &ingesterr.InvalidReplayId{}},
		{"corrupted replay detected", status.Error(codes.Unknown, "Corrupted replay token passed"), &ingesterr.InvalidReplayId{}},
		{"non-status error is transient", errors.New("plain failure"), &ingesterr.TransientStreamError{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyRPCError("GetTopic", tc.err)
			switch tc.want.(type) {
			case *ingesterr.FatalConfigError:
				var target *ingesterr.FatalConfigError
				if !errors.As(got, &target) {
					t.Fatalf("classified as %T (%v), want FatalConfigError", got, got)
				}
			case *ingesterr.TransientStreamError:
				var target *ingesterr.TransientStreamError
				if !errors.As(got, &target) {
					t.Fatalf("classified as %T (%v), want TransientStreamError", got, got)
				}
			case *ingesterr.InvalidReplayId:
				var target *ingesterr.InvalidReplayId
				if !errors.As(got, &target) {
					t.Fatalf("classified as %T (%v), want InvalidReplayId", got, got)
				}
			}
		})
	}
}

func TestJSONCodecRoundTrip(t *testing.T) {
	in := &FetchRequest{
		TopicName:    "/data/AccountChangeEvent",
		ReplayPreset: ReplayCustom,
		ReplayID:     []byte{0x01, 0x02},
		NumRequested: 100,
	}

	data, err := jsonCodec{}.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal returned %v", err)
	}

	var out FetchRequest
	if err := (jsonCodec{}).Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal returned %v", err)
	}
	if out.TopicName != in.TopicName || out.ReplayPreset != in.ReplayPreset || out.NumRequested != in.NumRequested {
		t.Fatalf("round trip = %+v, want %+v", out, in)
	}
	if len(out.ReplayID) != 2 || out.ReplayID[0] != 0x01 {
		t.Fatalf("replay id round trip = %v", out.ReplayID)
	}
}

func TestHeartbeatFetchRequestOmitsTopicFields(t *testing.T) {
	// Credit refills carry only num_requested on the wire; topic and
	// preset fields must be absent, not zero-valued.
	data, err := jsonCodec{}.Marshal(&FetchRequest{NumRequested: 100})
	if err != nil {
		t.Fatalf("Marshal returned %v", err)
	}
	if got := string(data); got != `{"num_requested":100}` {
		t.Fatalf("refill request = %s, want only num_requested", got)
	}
}

func TestReplayPresetString(t *testing.T) {
	if ReplayLatest.String() != "LATEST" || ReplayEarliest.String() != "EARLIEST" || ReplayCustom.String() != "CUSTOM" {
		t.Fatal("ReplayPreset String values wrong")
	}
}
