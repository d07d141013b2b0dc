package streamengine

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flashcdc/cdc-ingestor/internal/auth"
	"github.com/flashcdc/cdc-ingestor/internal/ingesterr"
	"github.com/flashcdc/cdc-ingestor/internal/pubsubapi"
)

// subscribeSession drives one Subscribe stream: a request sender goroutine
// fed by a credit-refill channel, a heartbeater that requests more credit on
// a fixed interval even with no backlog, a watchdog that trips if nothing is
// received for too long, and the response consumer that processes incoming
// events. The first goroutine to fail wins; the other three are cancelled via
// ctx and the session returns that error for the Supervisor to classify.
type subscribeSession struct {
	engine      *Engine
	pclient     *pubsubapi.Client
	decoder     PayloadDecoder
	token       *auth.Result
	replayStart ReplayStart
}

func (s *subscribeSession) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := s.pclient.Subscribe(ctx, s.token.Token.AccessToken, s.token.TenantID, s.token.InstanceURL)
	if err != nil {
		return err
	}

	initial := &pubsubapi.FetchRequest{
		TopicName:    s.engine.client.TopicName,
		ReplayPreset: s.replayStart.Preset,
		NumRequested: s.engine.flowBatchSize,
	}
	if s.replayStart.Preset == pubsubapi.ReplayCustom && len(s.replayStart.ReplayID) > 0 {
		initial.ReplayID = s.replayStart.ReplayID
	}
	if err := stream.Send(initial); err != nil {
		return err
	}

	requestCh := make(chan *pubsubapi.FetchRequest, 8)
	var lastRecvUnixNano int64
	atomic.StoreInt64(&lastRecvUnixNano, time.Now().UnixNano())

	errCh := make(chan error, 4)
	go func() { errCh <- sendLoop(ctx, stream, requestCh) }()
	go func() { errCh <- s.heartbeater(ctx, requestCh) }()
	go func() { errCh <- s.watchdog(ctx, &lastRecvUnixNano) }()
	go func() { errCh <- s.responseConsumer(ctx, stream, requestCh, &lastRecvUnixNano) }()

	err = <-errCh
	cancel()
	if ctx.Err() != nil && err == nil {
		return nil
	}
	return err
}

func sendLoop(ctx context.Context, stream *pubsubapi.SubscribeStream, requestCh <-chan *pubsubapi.FetchRequest) error {
	for {
		select {
		case <-ctx.Done():
			stream.CloseSend()
			return nil
		case req := <-requestCh:
			if err := stream.Send(req); err != nil {
				return err
			}
		}
	}
}

func (s *subscribeSession) heartbeater(ctx context.Context, requestCh chan<- *pubsubapi.FetchRequest) error {
	ticker := time.NewTicker(s.engine.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case requestCh <- &pubsubapi.FetchRequest{NumRequested: s.engine.flowBatchSize}:
				s.engine.logger.Debug("heartbeat fetch sent")
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (s *subscribeSession) watchdog(ctx context.Context, lastRecvUnixNano *int64) error {
	interval := s.engine.opts.HeartbeatInterval
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			last := time.Unix(0, atomic.LoadInt64(lastRecvUnixNano))
			if idle := time.Since(last); idle > s.engine.opts.IdleResetInterval {
				s.engine.logger.Warn("idle watchdog tripped", zap.Duration("idle", idle))
				return ingesterr.NewTransient("idle timeout, no messages received", nil)
			}
		}
	}
}

func (s *subscribeSession) responseConsumer(ctx context.Context, stream *pubsubapi.SubscribeStream, requestCh chan<- *pubsubapi.FetchRequest, lastRecvUnixNano *int64) error {
	for {
		resp, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		atomic.StoreInt64(lastRecvUnixNano, time.Now().UnixNano())
		s.engine.markBeat()

		if len(resp.Events) == 0 {
			select {
			case requestCh <- &pubsubapi.FetchRequest{NumRequested: s.engine.flowBatchSize}:
			case <-ctx.Done():
				return nil
			}
			continue
		}

		for _, ce := range resp.Events {
			s.processEvent(ctx, ce)
		}

		// Credit is refilled only after the whole batch is processed, so
		// the broker's in-flight window is the natural back-pressure bound.
		select {
		case requestCh <- &pubsubapi.FetchRequest{NumRequested: s.engine.flowBatchSize}:
		case <-ctx.Done():
			return nil
		}
	}
}
