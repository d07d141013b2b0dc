// Package pubsubapi is a client for the broker's Pub/Sub gRPC API
// (pubsub.proto in this directory). It drives a real *grpc.ClientConn —
// real TLS, keepalive, streaming, metadata, and status/codes
// classification — but serializes messages with the JSON codec in
// codec.go instead of generated protobuf marshaling.
package pubsubapi

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/flashcdc/cdc-ingestor/internal/ingesterr"
)

const (
	keepaliveTime         = 30 * time.Second
	keepaliveTimeout      = 10 * time.Second
	permitWithoutStream   = true
	maxRecvMsgSize        = 64 * 1024 * 1024 // 64 MiB
	minConnectTimeout     = 10 * time.Second
	initialWindowSize     = 4 * 1024 * 1024
	initialConnWindowSize = 8 * 1024 * 1024
)

const serviceMethodPrefix = "/pubsubapi.PubSub/"

// Client is a connected handle to one broker endpoint. The Stream Engine
// dials one per session and closes it when the session ends, so a
// reconnect always gets a fresh channel.
type Client struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

// Dial opens a TLS gRPC channel to host:port with the keepalive, message
// size, and flow-control parameters the broker requires.
func Dial(ctx context.Context, hostPort string, logger *zap.Logger) (*Client, error) {
	creds := credentials.NewClientTLSFromCert(nil, "")

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveTime,
			Timeout:             keepaliveTimeout,
			PermitWithoutStream: permitWithoutStream,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxRecvMsgSize),
			grpc.CallContentSubtype(codecName),
		),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.DefaultConfig,
			MinConnectTimeout: minConnectTimeout,
		}),
		grpc.WithInitialWindowSize(initialWindowSize),
		grpc.WithInitialConnWindowSize(initialConnWindowSize),
	}

	conn, err := grpc.DialContext(ctx, hostPort, opts...)
	if err != nil {
		return nil, ingesterr.NewTransient(fmt.Sprintf("dialing pub/sub host %s", hostPort), err)
	}
	return &Client{conn: conn, logger: logger.Named("pubsubapi")}, nil
}

// Close tears down the underlying channel.
func (c *Client) Close() error {
	return c.conn.Close()
}

// callCtx attaches the per-RPC auth headers the broker requires: bearer
// access token, tenant (organization) id, and instance URL.
func callCtx(ctx context.Context, accessToken, tenantID, instanceURL string) context.Context {
	md := metadata.Pairs(
		"accesstoken", accessToken,
		"tenantid", tenantID,
		"instanceurl", instanceURL,
	)
	return metadata.NewOutgoingContext(ctx, md)
}

// GetTopic resolves the current schema id for topicName.
func (c *Client) GetTopic(ctx context.Context, accessToken, tenantID, instanceURL, topicName string) (*TopicInfo, error) {
	ctx = callCtx(ctx, accessToken, tenantID, instanceURL)

	req := &topicRequest{TopicName: topicName}
	var resp TopicInfo
	if err := c.conn.Invoke(ctx, serviceMethodPrefix+"GetTopic", req, &resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, classifyRPCError("GetTopic", err)
	}
	return &resp, nil
}

// GetSchema implements the avroschema.SchemaFetcher interface consumed by
// internal/avroschema.Cache.
func (c *Client) GetSchema(schemaID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	req := &schemaRequest{SchemaID: schemaID}
	var resp SchemaInfo
	if err := c.conn.Invoke(ctx, serviceMethodPrefix+"GetSchema", req, &resp, grpc.CallContentSubtype(codecName)); err != nil {
		return "", classifyRPCError("GetSchema", err)
	}
	return resp.SchemaJSON, nil
}

// SubscribeStream wraps the bidirectional Subscribe RPC: Send grants
// credit, Recv yields events. CloseSend half-closes the client side.
type SubscribeStream struct {
	stream grpc.ClientStream
}

// Subscribe opens the bidirectional event stream.
func (c *Client) Subscribe(ctx context.Context, accessToken, tenantID, instanceURL string) (*SubscribeStream, error) {
	ctx = callCtx(ctx, accessToken, tenantID, instanceURL)

	desc := &grpc.StreamDesc{
		StreamName:    "Subscribe",
		ServerStreams: true,
		ClientStreams: true,
	}
	stream, err := c.conn.NewStream(ctx, desc, serviceMethodPrefix+"Subscribe", grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, classifyRPCError("Subscribe", err)
	}
	return &SubscribeStream{stream: stream}, nil
}

// Send grants credit (and, on the first call, selects the topic and
// replay start point).
func (s *SubscribeStream) Send(req *FetchRequest) error {
	if err := s.stream.SendMsg(req); err != nil {
		return classifyRPCError("Subscribe.Send", err)
	}
	return nil
}

// Recv blocks for the next FetchResponse, returning io.EOF when the
// broker closes the stream cleanly.
func (s *SubscribeStream) Recv() (*FetchResponse, error) {
	var resp FetchResponse
	if err := s.stream.RecvMsg(&resp); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, classifyRPCError("Subscribe.Recv", err)
	}
	return &resp, nil
}

// CloseSend half-closes the send direction of the stream.
func (s *SubscribeStream) CloseSend() error {
	return s.stream.CloseSend()
}

// TestConnection performs a lightweight GetTopic round trip (Manager.TestClient
// makes the same GetTopic call itself): it validates that the dialed channel,
// the supplied token, and the tenant headers are all
// accepted by the broker, without starting a subscription.
func (c *Client) TestConnection(ctx context.Context, accessToken, tenantID, instanceURL, topicName string) error {
	_, err := c.GetTopic(ctx, accessToken, tenantID, instanceURL, topicName)
	return err
}

// failFastNotFound mirrors FAIL_FAST_NOT_FOUND (default on): when set,
// NOT_FOUND / PERMISSION_DENIED from the broker are fatal misconfiguration;
// when off they retry like any other transient code. Read once at startup,
// matching how the rest of the engine's tunables are bound.
var failFastNotFound = envBool("FAIL_FAST_NOT_FOUND", true)

func envBool(key string, def bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

// classifyRPCError maps a gRPC status code to the ingesterr taxonomy the
// Supervisor switches on. A broker message mentioning an invalid replay id
// wins over the code; Unauthenticated and (with fail-fast on) NotFound/
// PermissionDenied are configuration problems that will not resolve by
// retrying; everything else — including an INVALID_ARGUMENT that is not a
// replay-id rejection, Unavailable, DeadlineExceeded, and internal
// transport errors — is transient.
func classifyRPCError(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return ingesterr.NewTransient(op, err)
	}

	if isInvalidReplayMessage(st.Message()) {
		return &ingesterr.InvalidReplayId{Err: err}
	}

	switch st.Code() {
	case codes.Unauthenticated:
		return ingesterr.NewFatal(fmt.Sprintf("%s: %s", op, st.Message()), err)
	case codes.PermissionDenied, codes.NotFound:
		if failFastNotFound {
			return ingesterr.NewFatal(fmt.Sprintf("%s: %s", op, st.Message()), err)
		}
		return ingesterr.NewTransient(fmt.Sprintf("%s: %s", op, st.Message()), err)
	default:
		return ingesterr.NewTransient(fmt.Sprintf("%s: %s (%s)", op, st.Message(), st.Code()), err)
	}
}

func isInvalidReplayMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, needle := range []string{"replay id validation failed", "invalid replay", "corrupted replay"} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}
