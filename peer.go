package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bt-bridge/concierge/shared"
	"github.com/gorilla/websocket"
	"github.com/openai/openai-go/v3/realtime"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	dialTimeout    = 10 * time.Second
	modelReadLimit = 16 << 20
)

// PeerDialer opens the model side of one session. The returned Conn has
// already been configured with the session's instructions and tools.
type PeerDialer func(ctx context.Context, sessionID string) (Conn, error)

// SessionConfigFunc produces the session.update payload for a new session.
type SessionConfigFunc func(sessionID string) *realtime.RealtimeSessionCreateRequestParam

// NewPeerDialer picks the transport named in cfg.
func NewPeerDialer(cfg shared.ModelConfig, sessionCfg SessionConfigFunc, logger shared.LoggerAdapter) (PeerDialer, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if sessionCfg == nil {
		return nil, shared.ErrNoConfig
	}
	switch cfg.Transport {
	case shared.ModelTransportWebSocket, "":
		return func(ctx context.Context, sessionID string) (Conn, error) {
			peer, err := DialModel(ctx, cfg, sessionCfg(sessionID), logger.With(zap.String("session_id", sessionID)))
			if err != nil {
				return nil, err
			}
			return peer, nil
		}, nil
	case shared.ModelTransportWebRTC:
		return func(ctx context.Context, sessionID string) (Conn, error) {
			peer, err := DialWebRTC(ctx, cfg, sessionCfg(sessionID), logger.With(zap.String("session_id", sessionID)))
			if err != nil {
				return nil, err
			}
			return peer, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown model transport %q", cfg.Transport)
	}
}

// DialModel opens the realtime websocket and sends session.update before
// handing the connection back.
func DialModel(ctx context.Context, cfg shared.ModelConfig, session *realtime.RealtimeSessionCreateRequestParam, logger shared.LoggerAdapter) (*Adapter, error) {
	if session == nil {
		return nil, shared.ErrNoConfig
	}
	endpoint, err := realtimeURL(cfg.BaseURL, cfg.Model)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing realtime endpoint (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing realtime endpoint: %w", err)
	}

	peer := NewAdapter(conn, SourceModel, WithReadLimit(modelReadLimit), WithAdapterLogger(logger))
	update, err := EncodeSessionUpdate(session)
	if err != nil {
		_ = peer.Close()
		return nil, err
	}
	if err := peer.Send(ctx, TextFrame(update)); err != nil {
		_ = peer.Close()
		return nil, fmt.Errorf("sending session.update: %w", err)
	}
	logger.Debug("model peer connected", zap.String("url", endpoint))
	return peer, nil
}

// realtimeURL turns an https API base into the wss realtime endpoint.
func realtimeURL(baseURL, model string) (string, error) {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}
	u = u.JoinPath("realtime")
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
