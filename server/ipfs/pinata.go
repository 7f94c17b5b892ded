package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/hrygo/synthr/server/middleware"
)

const (
	// DefaultAPIURL is the Pinata pinning API.
	DefaultAPIURL = "https://api.pinata.cloud"
	// DefaultGatewayURL serves pinned content.
	DefaultGatewayURL = "https://gateway.pinata.cloud/ipfs"

	maxErrorBody = 4 << 10
)

// PinResult describes pinned content.
type PinResult struct {
	Hash       string `json:"ipfs_hash"`
	Size       int64  `json:"pin_size"`
	GatewayURL string `json:"gateway_url"`
}

// Config holds the Pinata credentials and endpoints.
type Config struct {
	APIKey     string
	SecretKey  string
	APIURL     string
	GatewayURL string
	Timeout    time.Duration
}

// Client pins JSON documents and files to IPFS through Pinata.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewClient(cfg Config) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = DefaultGatewayURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: middleware.NewBreaker(middleware.DefaultBreakerConfig("pinata")),
	}
}

type pinResponse struct {
	IpfsHash string `json:"IpfsHash"`
	PinSize  int64  `json:"PinSize"`
}

type pinMetadata struct {
	Name      string            `json:"name,omitempty"`
	KeyValues map[string]string `json:"keyvalues,omitempty"`
}

// PinJSON pins the JSON encoding of v under name.
func (c *Client) PinJSON(ctx context.Context, v any, name string, keyValues map[string]string) (*PinResult, error) {
	body, err := json.Marshal(map[string]any{
		"pinataContent":  v,
		"pinataMetadata": pinMetadata{Name: name, KeyValues: keyValues},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode pin request")
	}
	return c.pin(ctx, "/pinning/pinJSONToIPFS", "application/json", func() io.Reader { return bytes.NewReader(body) })
}

// PinFile pins the content of r as a file called name.
func (c *Client) PinFile(ctx context.Context, name string, r io.Reader, keyValues map[string]string) (*PinResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create form file")
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, errors.Wrap(err, "failed to read file")
	}
	meta, err := json.Marshal(pinMetadata{Name: name, KeyValues: keyValues})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode pin metadata")
	}
	if err := w.WriteField("pinataMetadata", string(meta)); err != nil {
		return nil, errors.Wrap(err, "failed to write pin metadata")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to close multipart body")
	}
	payload := buf.Bytes()
	return c.pin(ctx, "/pinning/pinFileToIPFS", w.FormDataContentType(), func() io.Reader { return bytes.NewReader(payload) })
}

// GatewayURL returns the public URL of a pinned hash.
func (c *Client) GatewayURL(hash string) string {
	return strings.TrimRight(c.cfg.GatewayURL, "/") + "/" + hash
}

func (c *Client) pin(ctx context.Context, path, contentType string, body func() io.Reader) (*PinResult, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.APIURL, "/")+path, body())
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("pinata_api_key", c.cfg.APIKey)
		req.Header.Set("pinata_secret_api_key", c.cfg.SecretKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return nil, fmt.Errorf("pinata returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		var pinned pinResponse
		if err := json.NewDecoder(resp.Body).Decode(&pinned); err != nil {
			return nil, errors.Wrap(err, "failed to decode pin response")
		}
		if pinned.IpfsHash == "" {
			return nil, errors.New("pin response has no hash")
		}
		return &PinResult{Hash: pinned.IpfsHash, Size: pinned.PinSize, GatewayURL: c.GatewayURL(pinned.IpfsHash)}, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to pin %s", path)
	}
	return result.(*PinResult), nil
}
