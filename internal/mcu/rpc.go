package mcu

// RPC method names, dispatched via grpc.ClientConn.Invoke against the
// SFU's connection-oriented session/handle/SDP surface: session attach,
// plugin handles, SDP negotiation, publisher/subscriber configuration,
// room creation/destruction, event stream, and keep-alive.
const (
	methodPing                = "/sfu.v1.SfuService/Ping"
	methodCreateRoom          = "/sfu.v1.SfuService/CreateRoom"
	methodDestroyRoom         = "/sfu.v1.SfuService/DestroyRoom"
	methodAttachPublisher     = "/sfu.v1.SfuService/AttachPublisherHandle"
	methodAttachSubscriber    = "/sfu.v1.SfuService/AttachSubscriberHandle"
	methodDetachHandle        = "/sfu.v1.SfuService/DetachHandle"
	methodSdpOffer            = "/sfu.v1.SfuService/SdpOffer"
	methodSdpAnswer           = "/sfu.v1.SfuService/SdpAnswer"
	methodCandidate           = "/sfu.v1.SfuService/Candidate"
	methodEndOfCandidates     = "/sfu.v1.SfuService/EndOfCandidates"
	methodPublisherConfigure  = "/sfu.v1.SfuService/PublisherConfigure"
	methodSubscriberConfigure = "/sfu.v1.SfuService/SubscriberConfigure"
	methodListenEvents        = "/sfu.v1.SfuService/ListenEvents"
)

// BitrateCaps bounds a tenant's publishing bitrate inside a created
// SFU room.
type BitrateCaps struct {
	AudioBps int64 `json:"audio_bps"`
	VideoBps int64 `json:"video_bps"`
}

type pingRequest struct{}
type pingResponse struct{}

type createRoomRequest struct {
	TenantID string      `json:"tenant_id"`
	Caps     BitrateCaps `json:"caps"`
}

type createRoomResponse struct {
	SfuRoomID string `json:"sfu_room_id"`
}

type destroyRoomRequest struct {
	SfuRoomID string `json:"sfu_room_id"`
}

type destroyRoomResponse struct{}

// attachPublisherRequest joins as publisher with id =
// media-session-type, e.g. "video" or "screen".
type attachPublisherRequest struct {
	SfuRoomID        string `json:"sfu_room_id"`
	MediaSessionType string `json:"media_session_type"`
}

type attachPublisherResponse struct {
	Handle int64 `json:"handle"`
}

type attachSubscriberRequest struct {
	SfuRoomID       string `json:"sfu_room_id"`
	PublisherHandle int64  `json:"publisher_handle"`
	WithoutVideo    bool   `json:"without_video,omitempty"`
}

type attachSubscriberResponse struct {
	Handle int64 `json:"handle"`
}

type detachHandleRequest struct {
	Handle int64 `json:"handle"`
}

type detachHandleResponse struct{}

type sdpOfferRequest struct {
	Handle int64  `json:"handle"`
	Sdp    string `json:"sdp"`
}

type sdpOfferResponse struct {
	Sdp string `json:"sdp"`
}

type sdpAnswerRequest struct {
	Handle int64  `json:"handle"`
	Sdp    string `json:"sdp"`
}

type sdpAnswerResponse struct{}

type candidateRequest struct {
	Handle    int64  `json:"handle"`
	Candidate string `json:"candidate"`
}

type candidateResponse struct{}

type endOfCandidatesRequest struct {
	Handle int64 `json:"handle"`
}

type endOfCandidatesResponse struct{}

type publisherConfigureRequest struct {
	Handle int64 `json:"handle"`
	Audio  bool  `json:"audio"`
	Video  bool  `json:"video"`
}

type publisherConfigureResponse struct{}

type subscriberConfigureRequest struct {
	Handle    int64 `json:"handle"`
	Substream int32 `json:"substream,omitempty"`
	Video     bool  `json:"video"`
	Restart   bool  `json:"restart"`
}

// subscriberConfigureResponse carries a fresh SDP offer only when
// Restart was requested.
type subscriberConfigureResponse struct {
	Sdp string `json:"sdp,omitempty"`
}

type listenEventsRequest struct{}

// SfuEvent is one async notification relayed from the SFU's event
// stream: talking/slow-link/media/webrtc-up/hangup/detached.
type SfuEvent struct {
	Kind    string `json:"kind"`
	Handle  int64  `json:"handle"`
	Payload any    `json:"payload,omitempty"`
}
