package mcu

import (
	"context"
	"net"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// fakeSFU is a minimal in-memory stand-in for the real SFU, wired up
// through the same hand-written JSON codec the real Client uses. It
// exists purely to exercise Client/Pool without a protobuf IDL.
type fakeSFU struct {
	mu sync.Mutex

	pingErr  error
	rooms    map[string]bool
	nextRoom int
	handles  map[int64]string // handle -> sfu_room_id
	nextH    int64

	failCreateRoom bool
}

func newFakeSFU() *fakeSFU {
	return &fakeSFU{rooms: make(map[string]bool), handles: make(map[int64]string)}
}

func (f *fakeSFU) handlePing(ctx context.Context, dec func(any) error) (any, error) {
	req := &pingRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pingErr != nil {
		return nil, f.pingErr
	}
	return &pingResponse{}, nil
}

func (f *fakeSFU) handleCreateRoom(ctx context.Context, dec func(any) error) (any, error) {
	req := &createRoomRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreateRoom {
		return nil, context.DeadlineExceeded
	}
	f.nextRoom++
	id := req.TenantID + "-room-" + string(rune('0'+f.nextRoom))
	f.rooms[id] = true
	return &createRoomResponse{SfuRoomID: id}, nil
}

func (f *fakeSFU) handleDestroyRoom(ctx context.Context, dec func(any) error) (any, error) {
	req := &destroyRoomRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	f.mu.Lock()
	delete(f.rooms, req.SfuRoomID)
	f.mu.Unlock()
	return &destroyRoomResponse{}, nil
}

func (f *fakeSFU) handleAttachPublisher(ctx context.Context, dec func(any) error) (any, error) {
	req := &attachPublisherRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.nextH++
	h := f.nextH
	f.handles[h] = req.SfuRoomID
	f.mu.Unlock()
	return &attachPublisherResponse{Handle: h}, nil
}

func (f *fakeSFU) handleAttachSubscriber(ctx context.Context, dec func(any) error) (any, error) {
	req := &attachSubscriberRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.nextH++
	h := f.nextH
	f.handles[h] = req.SfuRoomID
	f.mu.Unlock()
	return &attachSubscriberResponse{Handle: h}, nil
}

func (f *fakeSFU) handleDetachHandle(ctx context.Context, dec func(any) error) (any, error) {
	req := &detachHandleRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	f.mu.Lock()
	delete(f.handles, req.Handle)
	f.mu.Unlock()
	return &detachHandleResponse{}, nil
}

func (f *fakeSFU) handleSdpOffer(ctx context.Context, dec func(any) error) (any, error) {
	req := &sdpOfferRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	return &sdpOfferResponse{Sdp: "answer-for:" + req.Sdp}, nil
}

func (f *fakeSFU) handleSdpAnswer(ctx context.Context, dec func(any) error) (any, error) {
	req := &sdpAnswerRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	return &sdpAnswerResponse{}, nil
}

func (f *fakeSFU) handleCandidate(ctx context.Context, dec func(any) error) (any, error) {
	req := &candidateRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	return &candidateResponse{}, nil
}

func (f *fakeSFU) handleEndOfCandidates(ctx context.Context, dec func(any) error) (any, error) {
	req := &endOfCandidatesRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	return &endOfCandidatesResponse{}, nil
}

func (f *fakeSFU) handlePublisherConfigure(ctx context.Context, dec func(any) error) (any, error) {
	req := &publisherConfigureRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	return &publisherConfigureResponse{}, nil
}

func (f *fakeSFU) handleSubscriberConfigure(ctx context.Context, dec func(any) error) (any, error) {
	req := &subscriberConfigureRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	resp := &subscriberConfigureResponse{}
	if req.Restart {
		resp.Sdp = "restarted-offer"
	}
	return resp, nil
}

func (f *fakeSFU) handleListenEvents(srv any, stream grpc.ServerStream) error {
	req := &listenEventsRequest{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return stream.SendMsg(&SfuEvent{Kind: "talking", Handle: 1})
}

func fakeServiceDesc(f *fakeSFU) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: "sfu.v1.SfuService",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Ping", Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				return f.handlePing(ctx, dec)
			}},
			{MethodName: "CreateRoom", Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				return f.handleCreateRoom(ctx, dec)
			}},
			{MethodName: "DestroyRoom", Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				return f.handleDestroyRoom(ctx, dec)
			}},
			{MethodName: "AttachPublisherHandle", Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				return f.handleAttachPublisher(ctx, dec)
			}},
			{MethodName: "AttachSubscriberHandle", Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				return f.handleAttachSubscriber(ctx, dec)
			}},
			{MethodName: "DetachHandle", Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				return f.handleDetachHandle(ctx, dec)
			}},
			{MethodName: "SdpOffer", Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				return f.handleSdpOffer(ctx, dec)
			}},
			{MethodName: "SdpAnswer", Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				return f.handleSdpAnswer(ctx, dec)
			}},
			{MethodName: "Candidate", Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				return f.handleCandidate(ctx, dec)
			}},
			{MethodName: "EndOfCandidates", Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				return f.handleEndOfCandidates(ctx, dec)
			}},
			{MethodName: "PublisherConfigure", Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				return f.handlePublisherConfigure(ctx, dec)
			}},
			{MethodName: "SubscriberConfigure", Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				return f.handleSubscriberConfigure(ctx, dec)
			}},
		},
		Streams: []grpc.StreamDesc{
			{StreamName: "ListenEvents", Handler: f.handleListenEvents, ServerStreams: true},
		},
	}
}

// startFakeSFU boots a bufconn-backed gRPC server for f and returns a
// dial option that routes Client traffic to it in-process.
func startFakeSFU(t *testing.T, f *fakeSFU) grpc.DialOption {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	srv.RegisterService(fakeServiceDesc(f), nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}
