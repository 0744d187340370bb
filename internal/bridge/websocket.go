package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/smithy-go"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	SessionIDHeader = "X-Amzn-Bedrock-AgentCore-Runtime-Session-Id"

	defaultSigningService = "bedrock-agentcore"
	emptyPayloadHash      = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

// WebSocketDialerOptions configures a dialer for a SigV4-authenticated
// WebSocket model endpoint.
type WebSocketDialerOptions struct {
	URL           string
	Region        string
	Service       string
	Credentials   aws.CredentialsProvider
	MaxFrameBytes int64
	HTTPClient    *http.Client
	NewSessionID  func() string
	Now           func() time.Time
}

type WebSocketDialer struct {
	opts   WebSocketDialerOptions
	signer *v4.Signer
}

func NewWebSocketDialer(opts WebSocketDialerOptions) (*WebSocketDialer, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("upstream URL is required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("credentials provider is required")
	}
	if opts.Service == "" {
		opts.Service = defaultSigningService
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &WebSocketDialer{opts: opts, signer: v4.NewSigner()}, nil
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Stream, error) {
	header, err := d.signedHeader(ctx)
	if err != nil {
		return nil, err
	}
	conn, resp, err := websocket.Dial(ctx, d.opts.URL, &websocket.DialOptions{
		HTTPClient: d.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return nil, handshakeError(resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", d.opts.URL, err)
	}
	if d.opts.MaxFrameBytes > 0 {
		conn.SetReadLimit(d.opts.MaxFrameBytes)
	}
	return &wsStream{conn: conn}, nil
}

// signedHeader signs the handshake as an https GET so the signature matches
// what the endpoint verifies.
func (d *WebSocketDialer) signedHeader(ctx context.Context) (http.Header, error) {
	signURL := d.opts.URL
	switch {
	case strings.HasPrefix(signURL, "wss://"):
		signURL = "https://" + strings.TrimPrefix(signURL, "wss://")
	case strings.HasPrefix(signURL, "ws://"):
		signURL = "http://" + strings.TrimPrefix(signURL, "ws://")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build handshake request: %w", err)
	}
	req.Header.Set(SessionIDHeader, d.opts.NewSessionID())

	creds, err := d.opts.Credentials.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieve credentials: %w", err)
	}
	if err := d.signer.SignHTTP(ctx, creds, req, emptyPayloadHash, d.opts.Service, d.opts.Region, d.opts.Now()); err != nil {
		return nil, fmt.Errorf("sign handshake: %w", err)
	}
	return req.Header, nil
}

// handshakeError maps throttling and availability statuses onto API error
// codes so the dial retry treats them like their SDK equivalents.
func handshakeError(status int, err error) error {
	code := ""
	switch status {
	case http.StatusTooManyRequests:
		code = "ThrottlingException"
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		code = "ServiceUnavailableException"
	case http.StatusInternalServerError:
		code = "InternalServerException"
	case http.StatusForbidden, http.StatusUnauthorized:
		code = "AccessDeniedException"
	}
	if code == "" {
		return fmt.Errorf("websocket handshake status %d: %w", status, err)
	}
	return &smithy.GenericAPIError{Code: code, Message: fmt.Sprintf("websocket handshake status %d: %v", status, err)}
}

type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) Send(ctx context.Context, payload []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, payload)
}

func (s *wsStream) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (s *wsStream) Close() error {
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	if err != nil && (errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1) {
		return nil
	}
	return err
}
