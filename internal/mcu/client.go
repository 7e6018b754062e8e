package mcu

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/RoseWrightdev/signaling-core/internal/metrics"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Client is one SFU connection, corresponding to a single configured
// entry in the pool. Every unary call goes through the circuit breaker
// so a flapping SFU degrades into typed errors instead of piling up
// blocked calls.
type Client struct {
	id      string
	address string
	conn    *grpc.ClientConn
	cb      *gobreaker.CircuitBreaker

	alive int32 // atomic bool, 1 while the underlying connection is considered healthy
}

// NewClient dials address lazily; grpc.NewClient does not block, so the
// pool's reconnect loop discovers connectivity failures through RPC
// errors and Ping rather than a blocking dial. extraOpts is appended
// after the default transport/codec options, letting tests substitute
// a bufconn dialer.
func NewClient(id, address string, extraOpts ...grpc.DialOption) (*Client, error) {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}, extraOpts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("mcu: dial %s (%s): %w", id, address, err)
	}

	st := gobreaker.Settings{
		Name:        "mcu-" + id,
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
		},
	}

	c := &Client{id: id, address: address, conn: conn, cb: gobreaker.NewCircuitBreaker(st), alive: 1}
	return c, nil
}

func (c *Client) ID() string { return c.id }

// Alive reports the client's last-known health, updated by Ping.
func (c *Client) Alive() bool { return atomic.LoadInt32(&c.alive) == 1 }

func (c *Client) markDead()  { atomic.StoreInt32(&c.alive, 0) }
func (c *Client) markAlive() { atomic.StoreInt32(&c.alive, 1) }

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, c.conn.Invoke(ctx, method, req, resp)
	})
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("mcu-" + c.id).Inc()
		return status.Error(codes.Unavailable, "mcu: circuit breaker open for "+c.id)
	}
	return err
}

// Ping performs the session keep-alive; a failure marks the client
// dead so the pool can remove it from the live set.
func (c *Client) Ping(ctx context.Context) error {
	err := c.invoke(ctx, methodPing, &pingRequest{}, &pingResponse{})
	if err != nil {
		c.markDead()
		return err
	}
	c.markAlive()
	return nil
}

func (c *Client) CreateRoom(ctx context.Context, tenantID string, caps BitrateCaps) (string, error) {
	resp := &createRoomResponse{}
	if err := c.invoke(ctx, methodCreateRoom, &createRoomRequest{TenantID: tenantID, Caps: caps}, resp); err != nil {
		return "", err
	}
	return resp.SfuRoomID, nil
}

func (c *Client) DestroyRoom(ctx context.Context, sfuRoomID string) error {
	return c.invoke(ctx, methodDestroyRoom, &destroyRoomRequest{SfuRoomID: sfuRoomID}, &destroyRoomResponse{})
}

// AttachPublisher joins the room as publisher with id =
// mediaSessionType.
func (c *Client) AttachPublisher(ctx context.Context, sfuRoomID, mediaSessionType string) (int64, error) {
	resp := &attachPublisherResponse{}
	req := &attachPublisherRequest{SfuRoomID: sfuRoomID, MediaSessionType: mediaSessionType}
	if err := c.invoke(ctx, methodAttachPublisher, req, resp); err != nil {
		return 0, err
	}
	return resp.Handle, nil
}

func (c *Client) AttachSubscriber(ctx context.Context, sfuRoomID string, publisherHandle int64, withoutVideo bool) (int64, error) {
	resp := &attachSubscriberResponse{}
	req := &attachSubscriberRequest{SfuRoomID: sfuRoomID, PublisherHandle: publisherHandle, WithoutVideo: withoutVideo}
	if err := c.invoke(ctx, methodAttachSubscriber, req, resp); err != nil {
		return 0, err
	}
	return resp.Handle, nil
}

func (c *Client) DetachHandle(ctx context.Context, handle int64) error {
	return c.invoke(ctx, methodDetachHandle, &detachHandleRequest{Handle: handle}, &detachHandleResponse{})
}

func (c *Client) SdpOffer(ctx context.Context, handle int64, sdp string) (string, error) {
	resp := &sdpOfferResponse{}
	if err := c.invoke(ctx, methodSdpOffer, &sdpOfferRequest{Handle: handle, Sdp: sdp}, resp); err != nil {
		return "", err
	}
	return resp.Sdp, nil
}

func (c *Client) SdpAnswer(ctx context.Context, handle int64, sdp string) error {
	return c.invoke(ctx, methodSdpAnswer, &sdpAnswerRequest{Handle: handle, Sdp: sdp}, &sdpAnswerResponse{})
}

func (c *Client) Candidate(ctx context.Context, handle int64, candidate string) error {
	return c.invoke(ctx, methodCandidate, &candidateRequest{Handle: handle, Candidate: candidate}, &candidateResponse{})
}

func (c *Client) EndOfCandidates(ctx context.Context, handle int64) error {
	return c.invoke(ctx, methodEndOfCandidates, &endOfCandidatesRequest{Handle: handle}, &endOfCandidatesResponse{})
}

func (c *Client) PublisherConfigure(ctx context.Context, handle int64, audio, video bool) error {
	req := &publisherConfigureRequest{Handle: handle, Audio: audio, Video: video}
	return c.invoke(ctx, methodPublisherConfigure, req, &publisherConfigureResponse{})
}

// SubscriberConfigure returns a fresh SDP offer when restart=true.
func (c *Client) SubscriberConfigure(ctx context.Context, handle int64, substream int32, video, restart bool) (string, error) {
	resp := &subscriberConfigureResponse{}
	req := &subscriberConfigureRequest{Handle: handle, Substream: substream, Video: video, Restart: restart}
	if err := c.invoke(ctx, methodSubscriberConfigure, req, resp); err != nil {
		return "", err
	}
	return resp.Sdp, nil
}

// ListenEvents opens the SFU's async event stream. The initial attach
// is circuit-breaker protected; the stream itself is read directly,
// since a long-lived streaming RPC doesn't fit a request/response
// breaker.
func (c *Client) ListenEvents(ctx context.Context) (grpc.ClientStream, error) {
	result, err := c.cb.Execute(func() (any, error) {
		desc := &grpc.StreamDesc{StreamName: "ListenEvents", ServerStreams: true}
		return c.conn.NewStream(ctx, desc, methodListenEvents)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("mcu-" + c.id).Inc()
			return nil, status.Error(codes.Unavailable, "mcu: circuit breaker open for "+c.id)
		}
		return nil, err
	}
	stream := result.(grpc.ClientStream)
	if err := stream.SendMsg(&listenEventsRequest{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
