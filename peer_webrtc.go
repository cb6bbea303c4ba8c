package realtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/bt-bridge/concierge/providers"
	"github.com/bt-bridge/concierge/shared"
	"github.com/openai/openai-go/v3/realtime"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	dataChannelLabel  = "oai"
	webrtcFrameBuffer = 64
)

// WebRTCPeer is a model peer reached over a WebRTC data channel. Events travel
// on the channel; the model's audio arrives on a media track that is drained
// and not forwarded.
type WebRTCPeer struct {
	logger  shared.LoggerAdapter
	baseUrl *url.URL
	apiKey  string
	cfg     *realtime.RealtimeSessionCreateRequestParam
	http    providers.Doer

	mu    sync.Mutex
	pc    *webrtc.PeerConnection
	dc    *webrtc.DataChannel
	state webrtc.PeerConnectionState

	frames chan Frame
	seq    atomic.Uint64
	opened chan struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc
}

var _ Conn = (*WebRTCPeer)(nil)

// DialWebRTC negotiates a call with /realtime/calls and returns once the data
// channel is open.
func DialWebRTC(ctx context.Context, cfg shared.ModelConfig, session *realtime.RealtimeSessionCreateRequestParam, logger shared.LoggerAdapter) (*WebRTCPeer, error) {
	p, err := newWebRTCPeer(logger, cfg.APIKey, cfg.BaseURL, session)
	if err != nil {
		return nil, err
	}
	if err := p.start(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}
	select {
	case <-p.opened:
		return p, nil
	case <-p.ctx.Done():
		err := context.Cause(p.ctx)
		_ = p.Close()
		return nil, fmt.Errorf("waiting for data channel: %w", err)
	case <-ctx.Done():
		_ = p.Close()
		return nil, fmt.Errorf("waiting for data channel: %w", ctx.Err())
	}
}

func newWebRTCPeer(logger shared.LoggerAdapter, apiKey, baseUrl string, session *realtime.RealtimeSessionCreateRequestParam) (p *WebRTCPeer, err error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if apiKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if session == nil {
		return nil, shared.ErrNoConfig
	}
	if baseUrl == "" {
		baseUrl = defaultBaseURL
	}
	baseUrl_, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	p = &WebRTCPeer{
		logger:  logger.With(zap.String("transport", shared.ModelTransportWebRTC)),
		baseUrl: baseUrl_,
		apiKey:  apiKey,
		cfg:     session,
		http:    providers.NewHTTPClient("concierge-webrtc"),
		frames:  make(chan Frame, webrtcFrameBuffer),
		opened:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	p.pc, err = webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		cancel(err)
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	p.pc.OnConnectionStateChange(p.onStateChange)
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		go p.drainTrack(track)
	})
	if _, err = p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		_ = p.pc.Close()
		cancel(err)
		return nil, fmt.Errorf("adding audio transceiver: %w", err)
	}

	p.dc, err = p.pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		_ = p.pc.Close()
		cancel(err)
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	var openOnce sync.Once
	p.dc.OnOpen(func() {
		openOnce.Do(func() { close(p.opened) })
		p.logger.Debug("data channel opened")
	})
	p.dc.OnClose(func() {
		p.cancel(errors.New("data channel closed"))
	})
	p.dc.OnMessage(p.onMessage)
	return p, nil
}

func (p *WebRTCPeer) onStateChange(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	prev := p.state
	p.state = state
	p.mu.Unlock()
	p.logger.Trace(
		"peer connection state changed",
		zap.String("prev", prev.String()),
		zap.String("new", state.String()),
	)
	switch state {
	case webrtc.PeerConnectionStateDisconnected:
		p.cancel(errors.New("peer connection state is disconnected"))
	case webrtc.PeerConnectionStateFailed:
		p.cancel(errors.New("peer connection state is failed"))
	case webrtc.PeerConnectionStateClosed:
		p.cancel(errors.New("peer connection state is closed"))
	}
}

func (p *WebRTCPeer) onMessage(msg webrtc.DataChannelMessage) {
	if !msg.IsString {
		p.logger.Warn("received non-string message on data channel")
		return
	}
	f := Frame{Source: SourceModel, Seq: p.seq.Add(1), Payload: msg.Data}
	select {
	case p.frames <- f:
	case <-p.ctx.Done():
	}
}

func (p *WebRTCPeer) drainTrack(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

// Receive returns io.EOF once the peer connection or data channel is gone.
// Frames already buffered are delivered first.
func (p *WebRTCPeer) Receive(ctx context.Context) (Frame, error) {
	select {
	case f := <-p.frames:
		return f, nil
	default:
	}
	select {
	case f := <-p.frames:
		return f, nil
	case <-p.ctx.Done():
		return Frame{}, io.EOF
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (p *WebRTCPeer) Send(_ context.Context, f Frame) error {
	if p.ctx.Err() != nil {
		return shared.ErrConnectionClosed
	}
	if err := p.dc.SendText(string(f.Payload)); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrConnectionClosed, err)
	}
	return nil
}

func (p *WebRTCPeer) Close() error {
	p.cancel(errors.New("peer closed"))
	p.mu.Lock()
	pc := p.pc
	p.pc = nil
	p.mu.Unlock()
	if pc == nil {
		return nil
	}
	if err := pc.Close(); err != nil {
		return fmt.Errorf("closing peer connection: %w", err)
	}
	return nil
}

func (p *WebRTCPeer) start(ctx context.Context) error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	if err = p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	answer, err := p.createCall(ctx, offer.SDP)
	if err != nil {
		return fmt.Errorf("creating call: %w", err)
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

// createCall posts the SDP offer together with the session config and returns
// the SDP answer.
func (p *WebRTCPeer) createCall(ctx context.Context, offer string) (string, error) {
	sessBytes, err := p.cfg.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshaling config: %w", err)
	}
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	sdpHeaders := textproto.MIMEHeader{}
	sdpHeaders.Set("Content-Disposition", `form-data; name="sdp"`)
	sdpHeaders.Set("Content-Type", "application/sdp")
	sdpPart, err := writer.CreatePart(sdpHeaders)
	if err != nil {
		return "", fmt.Errorf("creating SDP part: %w", err)
	}
	if _, err = sdpPart.Write([]byte(offer)); err != nil {
		return "", fmt.Errorf("writing SDP part: %w", err)
	}

	sessionHeaders := textproto.MIMEHeader{}
	sessionHeaders.Set("Content-Disposition", `form-data; name="session"`)
	sessionHeaders.Set("Content-Type", "application/json")
	sessionPart, err := writer.CreatePart(sessionHeaders)
	if err != nil {
		return "", fmt.Errorf("creating session part: %w", err)
	}
	if _, err = sessionPart.Write(sessBytes); err != nil {
		return "", fmt.Errorf("writing session part: %w", err)
	}
	if err = writer.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.baseUrl.JoinPath("/realtime/calls").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.SetBody(body.Bytes())

	if err := providers.Do(ctx, p.http, req, resp); err != nil {
		return "", err
	}
	if err := providers.Expect("realtime calls", resp, fasthttp.StatusCreated); err != nil {
		return "", err
	}
	return string(resp.Body()), nil
}
