package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/chunkwise/chunkwise/codec"
	"github.com/chunkwise/chunkwise/session"
	"github.com/chunkwise/chunkwise/transfer"
)

// Client talks the transfer protocol to one server. Control calls (init,
// finalize) go through a retrying HTTP client; chunk puts go through a plain
// tuned client, because retrying chunks is the scheduler's job and doubling
// up would skew its backoff.
type Client struct {
	baseURL string
	control *retryablehttp.Client
	chunks  *http.Client
	codec   codec.Codec
	logger  log.Logger
}

// NewClient creates a protocol client for the given base URL.
// c chooses the in-transit chunk codec; nil means identity.
func NewClient(baseURL string, c codec.Codec, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewLogger()
	}
	if c == nil {
		c = codec.Identity{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		control: retryhttp.NewClient(logger),
		chunks:  DefaultChunkHTTPClient(),
		codec:   c,
		logger:  logger,
	}
}

// DefaultChunkHTTPClient returns an HTTP client tuned for chunk uploads.
// No overall timeout: per-chunk deadlines come from the request context.
func DefaultChunkHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// Upload is a client-side handle on one server session. It implements
// transfer.Target, so a scheduler can drive it directly.
type Upload struct {
	SessionID            string
	ObjectName           string
	RecommendedChunkSize int64
	AlreadyReceived      []uint32

	client *Client
}

// InitUpload creates a server session for the named object and returns the
// handle the scheduler uploads through.
func (c *Client) InitUpload(ctx context.Context, objectName string, declaredSize int64, mimeType string) (*Upload, error) {
	body, err := json.Marshal(initRequest{
		ObjectName:   objectName,
		DeclaredSize: declaredSize,
		MimeType:     mimeType,
	})
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, c.baseURL+"/v1/uploads", body)
	if err != nil {
		return nil, fmt.Errorf("create init request: %w", err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.control.Do(req)
	if err != nil {
		return nil, fmt.Errorf("init upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, responseError(resp)
	}

	var parsed initResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode init response: %w", err)
	}

	c.logger.Debugf("Session %s opened for %q", parsed.SessionID, objectName)
	return &Upload{
		SessionID:            parsed.SessionID,
		ObjectName:           objectName,
		RecommendedChunkSize: parsed.RecommendedChunkSize,
		AlreadyReceived:      parsed.AlreadyReceived,
		client:               c,
	}, nil
}

// PutChunk transmits one chunk, encoded with the client's codec.
func (u *Upload) PutChunk(ctx context.Context, index uint32, chunk io.Reader, length int64) error {
	c := u.client

	var body bytes.Buffer
	encoder, err := c.codec.Compress(&body)
	if err != nil {
		return err
	}
	if _, err := io.Copy(encoder, chunk); err != nil {
		return fmt.Errorf("encode chunk %d: %w", index, err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("encode chunk %d: %w", index, err)
	}

	url := fmt.Sprintf("%s/v1/uploads/%s/chunks/%d", c.baseURL, u.SessionID, index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body.Bytes()))
	if err != nil {
		return fmt.Errorf("create chunk request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if name := c.codec.Name(); name != "" {
		req.Header.Set("Content-Encoding", name)
	}
	req.ContentLength = int64(body.Len())

	resp, err := c.chunks.Do(req)
	if err != nil {
		return fmt.Errorf("send chunk %d: %w", index, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	var parsed putChunkResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode chunk response: %w", err)
	}
	if !parsed.OK {
		return fmt.Errorf("server rejected chunk %d", index)
	}
	return nil
}

// Finalize asks the server to assemble the object.
func (u *Upload) Finalize(ctx context.Context, totalChunks uint32) (transfer.FinalizeResult, error) {
	c := u.client

	body, err := json.Marshal(finalizeRequest{
		TotalChunks: totalChunks,
		ObjectName:  u.ObjectName,
	})
	if err != nil {
		return transfer.FinalizeResult{}, err
	}

	url := fmt.Sprintf("%s/v1/uploads/%s/finalize", c.baseURL, u.SessionID)
	req, err := retryablehttp.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return transfer.FinalizeResult{}, fmt.Errorf("create finalize request: %w", err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.control.Do(req)
	if err != nil {
		return transfer.FinalizeResult{}, fmt.Errorf("finalize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return transfer.FinalizeResult{}, responseError(resp)
	}

	var parsed finalizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return transfer.FinalizeResult{}, fmt.Errorf("decode finalize response: %w", err)
	}

	return transfer.FinalizeResult{
		FinalPath:     parsed.FinalPath,
		OriginalName:  parsed.OriginalName,
		SanitizedName: parsed.SanitizedName,
	}, nil
}

// responseError maps protocol error responses back to the domain errors the
// server raised, so callers can react with errors.Is/As on either side of
// the wire.
func responseError(resp *http.Response) error {
	var parsed errorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(data, &parsed)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return session.ErrSessionNotFound
	case http.StatusConflict:
		if parsed.MissingIndex != nil {
			return &session.MissingChunkError{Index: *parsed.MissingIndex}
		}
	}

	if parsed.Error != "" {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, parsed.Error)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}
