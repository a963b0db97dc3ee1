package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"resty.dev/v3"

	"plugd/pkg/logx"
)

// HTTPGatewayConfig describes the plug's local HTTP endpoint.
type HTTPGatewayConfig struct {
	BaseURL  string
	Username string
	Password string
	// Timeout bounds every round trip to the plug.
	Timeout time.Duration
}

// HTTPGateway talks to a plug (or vendor bridge) exposing a plain local JSON
// API: a credential handshake returning a session token, then token-
// authenticated power/status/energy calls. Vendor wire encryption lives
// behind the bridge, not here.
type HTTPGateway struct {
	client *resty.Client
	cfg    HTTPGatewayConfig
	log    logx.Logger
}

func NewHTTPGateway(cfg HTTPGatewayConfig, log logx.Logger) *HTTPGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	// No retries: blindly replaying an on/off toggle risks double-toggling,
	// so retry policy stays with the caller.
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("User-Agent", "plugd").
		SetHeader("Accept", "application/json")

	return &HTTPGateway{client: client, cfg: cfg, log: log}
}

// Close releases the underlying HTTP client.
func (g *HTTPGateway) Close() error { return g.client.Close() }

// Connect performs the credential handshake and returns a session.
func (g *HTTPGateway) Connect(ctx context.Context) (Conn, error) {
	body := map[string]string{"username": g.cfg.Username, "password": g.cfg.Password}
	resp, err := g.client.R().
		SetContext(ctx).
		SetContentType("application/json").
		SetBody(body).
		Post("/handshake")
	if err != nil {
		return nil, &ConnError{Err: err}
	}
	if resp.StatusCode() >= 400 {
		return nil, &ConnError{Err: httpErr(resp)}
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.Bytes(), &out); err != nil {
		return nil, &ConnError{Err: fmt.Errorf("handshake response: %w", err)}
	}
	if out.Token == "" {
		return nil, &ConnError{Err: errors.New("handshake response: empty token")}
	}
	return &httpConn{gw: g, token: out.Token}, nil
}

type httpConn struct {
	gw    *HTTPGateway
	token string
}

func (c *httpConn) request(ctx context.Context) *resty.Request {
	return c.gw.client.R().
		SetContext(ctx).
		SetContentType("application/json").
		SetAuthToken(c.token)
}

func (c *httpConn) setPower(ctx context.Context, on bool) error {
	op := "turn_off"
	if on {
		op = "turn_on"
	}
	resp, err := c.request(ctx).
		SetBody(map[string]bool{"device_on": on}).
		Post("/power")
	if err != nil {
		return &DeviceError{Op: op, Err: err}
	}
	if resp.StatusCode() >= 400 {
		return &DeviceError{Op: op, Err: httpErr(resp)}
	}
	return nil
}

func (c *httpConn) TurnOn(ctx context.Context) error  { return c.setPower(ctx, true) }
func (c *httpConn) TurnOff(ctx context.Context) error { return c.setPower(ctx, false) }

func (c *httpConn) Status(ctx context.Context) (Status, error) {
	resp, err := c.request(ctx).Get("/status")
	if err != nil {
		return Status{}, &DeviceError{Op: "status", Err: err}
	}
	if resp.StatusCode() >= 400 {
		return Status{}, &DeviceError{Op: "status", Err: httpErr(resp)}
	}

	var out struct {
		DeviceOn      bool    `json:"device_on"`
		CurrentPowerW float64 `json:"current_power_w"`
	}
	if err := json.Unmarshal(resp.Bytes(), &out); err != nil {
		return Status{}, &DeviceError{Op: "status", Err: fmt.Errorf("response: %w", err)}
	}
	return Status{IsOn: out.DeviceOn, CurrentPowerW: out.CurrentPowerW}, nil
}

func (c *httpConn) Energy(ctx context.Context, interval Interval, start, end time.Time) ([]float64, error) {
	resp, err := c.request(ctx).
		SetQueryParam("interval", string(interval)).
		SetQueryParam("start", start.Format(time.RFC3339)).
		SetQueryParam("end", end.Format(time.RFC3339)).
		Get("/energy")
	if err != nil {
		return nil, &DeviceError{Op: "energy", Err: err}
	}
	if resp.StatusCode() >= 400 {
		return nil, &DeviceError{Op: "energy", Err: httpErr(resp)}
	}

	var out struct {
		Samples []float64 `json:"samples"`
	}
	if err := json.Unmarshal(resp.Bytes(), &out); err != nil {
		return nil, &DeviceError{Op: "energy", Err: fmt.Errorf("response: %w", err)}
	}
	return out.Samples, nil
}

func httpErr(resp *resty.Response) error {
	body := strings.TrimSpace(string(resp.Bytes()))
	if len(body) > 200 {
		body = body[:200]
	}
	if body == "" {
		return errors.New(resp.Status())
	}
	return fmt.Errorf("%s: %s", resp.Status(), body)
}
