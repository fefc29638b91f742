package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mossy-p/livecall/internal/callerr"
	"github.com/mossy-p/livecall/internal/models"
)

// Compile-time interface checks.
var (
	_ Relay  = (*HTTPRelay)(nil)
	_ Leaver = (*HTTPRelay)(nil)
)

const defaultRequestTimeout = 10 * time.Second

// HTTPRelay speaks the relay's JSON wire protocol.
type HTTPRelay struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRelay creates a relay client for the server at baseURL. A nil
// httpClient selects one with a request timeout.
func NewHTTPRelay(baseURL string, httpClient *http.Client) *HTTPRelay {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &HTTPRelay{baseURL: strings.TrimRight(baseURL, "/"), client: httpClient}
}

func (r *HTTPRelay) Publish(ctx context.Context, req models.PublishRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: encoding publish: %v", callerr.ErrInvalidRequest, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/signal", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", callerr.ErrInvalidRequest, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (r *HTTPRelay) Fetch(ctx context.Context, req models.FetchRequest) (models.FetchResult, error) {
	query := url.Values{}
	query.Set("roomId", req.RoomID)
	query.Set("role", string(req.Role))
	query.Set("lastCandidateIndex", strconv.Itoa(req.LastCandidateIndex))
	if req.PeerID != "" {
		query.Set("peerId", req.PeerID)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/api/signal?"+query.Encode(), nil)
	if err != nil {
		return models.FetchResult{}, fmt.Errorf("%w: %v", callerr.ErrInvalidRequest, err)
	}
	resp, err := r.do(httpReq)
	if err != nil {
		return models.FetchResult{}, err
	}
	defer resp.Body.Close()

	decoder := json.NewDecoder(resp.Body)
	if req.Role == models.RoleHost {
		var body models.HostFetchResponse
		if err := decoder.Decode(&body); err != nil {
			return models.FetchResult{}, fmt.Errorf("%w: decoding fetch: %v", callerr.ErrTransport, err)
		}
		return body.Result(), nil
	}
	var body models.GuestFetchResponse
	if err := decoder.Decode(&body); err != nil {
		return models.FetchResult{}, fmt.Errorf("%w: decoding fetch: %v", callerr.ErrTransport, err)
	}
	return body.Result(), nil
}

func (r *HTTPRelay) Leave(ctx context.Context, roomID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.baseURL+"/api/rooms/"+url.PathEscape(roomID), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", callerr.ErrInvalidRequest, err)
	}
	resp, err := r.do(httpReq)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// do sends req and maps failures onto the error taxonomy: 4xx is the
// caller's fault, anything else is transport.
func (r *HTTPRelay) do(req *http.Request) (*http.Response, error) {
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", callerr.ErrTransport, err)
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	var body struct {
		Error string `json:"error"`
	}
	json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	if body.Error == "" {
		body.Error = resp.Status
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, fmt.Errorf("%w: %s", callerr.ErrInvalidRequest, body.Error)
	}
	return nil, fmt.Errorf("%w: %s", callerr.ErrTransport, body.Error)
}
