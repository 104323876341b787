package scanner

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scandhq/scand/internal/taskstore"
)

const (
	// Basic Network Scan template. All scans run off it; credentials turn
	// it into an authenticated scan on the Nessus side.
	nessusTemplateUUID = "731a8e52-3ea6-a291-ec0a-d2ff0619c19d7bd788d6be818b65"

	nessusCallTimeout = 30 * time.Second
	nessusMaxAttempts = 3
)

// NessusDriver speaks the Nessus REST API for one scanner instance.
// Authentication is either X-ApiKeys (when access/secret keys are
// configured) or a session token from POST /session, re-acquired once per
// call on 401/403.
type NessusDriver struct {
	endpoint Endpoint
	base     string
	client   *http.Client
	log      zerolog.Logger

	// Tuned down by tests.
	retryDelay time.Duration
	exportPoll time.Duration
	exportWait time.Duration

	mu    sync.Mutex
	token string
}

func NewNessus(ep Endpoint, log zerolog.Logger) *NessusDriver {
	transport := http.DefaultTransport
	if ep.InsecureSkipVerify {
		// Nessus appliances routinely run on self-signed certificates.
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		transport = t
	}
	return &NessusDriver{
		endpoint:   ep,
		base:       strings.TrimRight(ep.URL, "/"),
		client:     &http.Client{Timeout: nessusCallTimeout, Transport: transport},
		log:        log,
		retryDelay: 500 * time.Millisecond,
		exportPoll: 2 * time.Second,
		exportWait: 5 * time.Minute,
	}
}

func (d *NessusDriver) Kind() string {
	return "nessus"
}

func (d *NessusDriver) CreateScan(ctx context.Context, req CreateRequest) (string, error) {
	body := map[string]any{
		"uuid": nessusTemplateUUID,
		"settings": map[string]any{
			"name":         req.Name,
			"description":  req.Description,
			"text_targets": req.Targets,
			"enabled":      false,
			"launch_now":   false,
		},
	}
	if req.Credentials != nil {
		body["credentials"] = nessusCredentials(req.Credentials)
	}

	var out struct {
		Scan struct {
			ID int `json:"id"`
		} `json:"scan"`
	}
	if err := d.call(ctx, "create_scan", http.MethodPost, "/scans", body, &out); err != nil {
		return "", err
	}
	if out.Scan.ID == 0 {
		return "", &Error{Kind: KindPermanentRemote, Op: "create_scan", Err: fmt.Errorf("scan id missing in response")}
	}
	return strconv.Itoa(out.Scan.ID), nil
}

func (d *NessusDriver) LaunchScan(ctx context.Context, remoteScanID string) error {
	return d.call(ctx, "launch_scan", http.MethodPost, "/scans/"+remoteScanID+"/launch", nil, nil)
}

func (d *NessusDriver) GetStatus(ctx context.Context, remoteScanID string) (*StatusInfo, error) {
	var out struct {
		Info struct {
			Status string `json:"status"`
		} `json:"info"`
		Hosts []struct {
			Current int `json:"scanprogresscurrent"`
			Total   int `json:"scanprogresstotal"`
		} `json:"hosts"`
	}
	if err := d.call(ctx, "get_status", http.MethodGet, "/scans/"+remoteScanID, nil, &out); err != nil {
		return nil, err
	}

	info := &StatusInfo{
		State:        mapRemoteState(out.Info.Status),
		RemoteStatus: out.Info.Status,
	}
	var current, total int
	for _, h := range out.Hosts {
		current += h.Current
		total += h.Total
	}
	if total > 0 {
		info.Progress = 100 * current / total
	}
	if info.State == StateCompleted {
		info.Progress = 100
	}
	return info, nil
}

func (d *NessusDriver) ExportArtifact(ctx context.Context, remoteScanID string) ([]byte, error) {
	const op = "export_artifact"

	var export struct {
		File int `json:"file"`
	}
	err := d.call(ctx, op, http.MethodPost, "/scans/"+remoteScanID+"/export",
		map[string]string{"format": "nessus"}, &export)
	if err != nil {
		return nil, err
	}
	if export.File == 0 {
		return nil, &Error{Kind: KindPermanentRemote, Op: op, Err: fmt.Errorf("export file id missing in response")}
	}
	fileID := strconv.Itoa(export.File)
	base := fmt.Sprintf("/scans/%s/export/%s", remoteScanID, fileID)

	deadline := time.NewTimer(d.exportWait)
	defer deadline.Stop()
	for {
		var st struct {
			Status string `json:"status"`
		}
		if err := d.call(ctx, op, http.MethodGet, base+"/status", nil, &st); err != nil {
			return nil, err
		}
		if st.Status == "ready" {
			break
		}
		select {
		case <-ctx.Done():
			return nil, &Error{Kind: KindTransientNetwork, Op: op, Err: ctx.Err()}
		case <-deadline.C:
			return nil, &Error{Kind: KindRemoteBusy, Op: op, Err: fmt.Errorf("export not ready after %s", d.exportWait)}
		case <-time.After(d.exportPoll):
		}
	}

	return d.callRaw(ctx, op, http.MethodGet, base+"/download", nil)
}

func (d *NessusDriver) StopScan(ctx context.Context, remoteScanID string) error {
	return d.call(ctx, "stop_scan", http.MethodPost, "/scans/"+remoteScanID+"/stop", nil, nil)
}

func (d *NessusDriver) DeleteScan(ctx context.Context, remoteScanID string) error {
	return d.call(ctx, "delete_scan", http.MethodDelete, "/scans/"+remoteScanID, nil, nil)
}

// call runs a JSON request/response round trip through callRaw.
func (d *NessusDriver) call(ctx context.Context, op, method, path string, body, out any) error {
	raw, err := d.callRaw(ctx, op, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: KindPermanentRemote, Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// callRaw executes one API call with bounded retries for transient failures
// and a single transparent re-login when a session token has expired.
func (d *NessusDriver) callRaw(ctx context.Context, op, method, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, &Error{Kind: KindPermanentRemote, Op: op, Err: fmt.Errorf("failed to encode request: %w", err)}
		}
	}

	var relogged bool
	attempt := 0
	for {
		raw, err := d.doOnce(ctx, op, method, path, payload)
		if err == nil {
			return raw, nil
		}
		if KindOf(err) == KindAuthRequired && !d.apiKeyAuth() && !relogged {
			relogged = true
			d.setToken("")
			if loginErr := d.login(ctx); loginErr != nil {
				return nil, loginErr
			}
			continue
		}
		if !Retryable(err) {
			return nil, err
		}
		attempt++
		if attempt >= nessusMaxAttempts {
			return nil, err
		}
		d.log.Debug().Str("op", op).Int("attempt", attempt).Err(err).Msg("retrying scanner call")
		select {
		case <-ctx.Done():
			return nil, &Error{Kind: KindTransientNetwork, Op: op, Err: ctx.Err()}
		case <-time.After(d.retryDelay << (attempt - 1)):
		}
	}
}

func (d *NessusDriver) doOnce(ctx context.Context, op, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.base+path, body)
	if err != nil {
		return nil, &Error{Kind: KindPermanentRemote, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := d.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransientNetwork, Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if readErr != nil {
			return nil, &Error{Kind: KindTransientNetwork, Op: op, Err: readErr}
		}
		return raw, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &Error{Kind: KindAuthRequired, Op: op, Err: fmt.Errorf("scanner rejected auth: %s", resp.Status)}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf("remote scan not found")}
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return nil, &Error{Kind: KindRemoteBusy, Op: op, Err: fmt.Errorf("scanner busy: %s", resp.Status)}
	default:
		return nil, &Error{Kind: KindPermanentRemote, Op: op, Err: fmt.Errorf("scanner returned %s", resp.Status)}
	}
}

func (d *NessusDriver) apiKeyAuth() bool {
	return d.endpoint.AccessKey != "" && d.endpoint.SecretKey != ""
}

func (d *NessusDriver) authorize(ctx context.Context, req *http.Request) error {
	if d.apiKeyAuth() {
		req.Header.Set("X-ApiKeys",
			fmt.Sprintf("accessKey=%s; secretKey=%s", d.endpoint.AccessKey, d.endpoint.SecretKey))
		return nil
	}
	token := d.sessionToken()
	if token == "" {
		if err := d.login(ctx); err != nil {
			return err
		}
		token = d.sessionToken()
	}
	req.Header.Set("X-Cookie", "token="+token)
	return nil
}

func (d *NessusDriver) login(ctx context.Context) error {
	payload, err := json.Marshal(map[string]string{
		"username": d.endpoint.Username,
		"password": d.endpoint.Password,
	})
	if err != nil {
		return &Error{Kind: KindPermanentRemote, Op: "login", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+"/session", bytes.NewReader(payload))
	if err != nil {
		return &Error{Kind: KindPermanentRemote, Op: "login", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return &Error{Kind: KindTransientNetwork, Op: "login", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Kind: KindAuthRequired, Op: "login", Err: fmt.Errorf("session login rejected: %s", resp.Status)}
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return &Error{Kind: KindPermanentRemote, Op: "login", Err: fmt.Errorf("failed to decode session response: %w", err)}
	}
	if out.Token == "" {
		return &Error{Kind: KindAuthRequired, Op: "login", Err: fmt.Errorf("session token missing in response")}
	}
	d.setToken(out.Token)
	return nil
}

func (d *NessusDriver) sessionToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.token
}

func (d *NessusDriver) setToken(token string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.token = token
}

// nessusCredentials shapes target login material into the credentials block
// of a Nessus scan create request.
func nessusCredentials(c *taskstore.Credentials) map[string]any {
	ssh := map[string]any{
		"username": c.Username,
	}
	switch c.Kind {
	case "ssh_key":
		ssh["auth_method"] = "public key"
		ssh["private_key"] = c.PrivateKey
	default:
		ssh["auth_method"] = "password"
		ssh["password"] = c.Password
	}
	if c.EscalationMethod != "" && c.EscalationMethod != "none" {
		ssh["elevate_privileges_with"] = c.EscalationMethod
		ssh["escalation_account"] = c.EscalationAccount
		ssh["escalation_password"] = c.EscalationPassword
	} else {
		ssh["elevate_privileges_with"] = "Nothing"
	}
	return map[string]any{
		"add": map[string]any{
			"Host": map[string]any{
				"SSH": []any{ssh},
			},
		},
	}
}
