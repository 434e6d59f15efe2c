package s3wire

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	vherrors "github.com/vaulthalla/vaulthalla/pkg/errors"
)

// Config describes the endpoint and credentials a Client signs requests
// against.
type Config struct {
	Endpoint     string // e.g. https://s3.us-east-1.amazonaws.com, or a MinIO/Ceph URL
	Region       string
	Bucket       string
	Credentials  Credentials
	UsePathStyle bool
	Timeout      time.Duration
}

// Client issues signed HTTP requests against one S3-compatible bucket.
// It intentionally owns its own http.Client rather than sharing a global
// default, mirroring the curl-handle-per-provider-instance shape of the
// original implementation.
type Client struct {
	cfg  Config
	http *http.Client

	initOnce sync.Once
}

// New builds a Client. The underlying transport is created lazily on
// first use, mirroring the original's std::once_flag curl global init.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{cfg: cfg}
}

func (c *Client) ensureClient() *http.Client {
	c.initOnce.Do(func() {
		c.http = &http.Client{Timeout: c.cfg.Timeout}
	})
	return c.http
}

func (c *Client) objectURL(key string) (string, string) {
	path := "/" + key
	base := strings.TrimSuffix(c.cfg.Endpoint, "/")
	if c.cfg.UsePathStyle {
		path = "/" + c.cfg.Bucket + "/" + key
		return base + escapePath(path), path
	}
	host := strings.TrimPrefix(strings.TrimPrefix(base, "https://"), "http://")
	scheme := "https://"
	if strings.HasPrefix(base, "http://") {
		scheme = "http://"
	}
	return scheme + c.cfg.Bucket + "." + host + escapePath(path), path
}

func (c *Client) hostHeader() string {
	base := strings.TrimSuffix(c.cfg.Endpoint, "/")
	host := strings.TrimPrefix(strings.TrimPrefix(base, "https://"), "http://")
	if c.cfg.UsePathStyle {
		return host
	}
	return c.cfg.Bucket + "." + host
}

func (c *Client) do(ctx context.Context, method, key string, query url.Values, body []byte, extraHeaders map[string]string) (*http.Response, error) {
	reqURL, canonicalPath := c.objectURL(key)
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	payloadHash := sha256Hex(body)
	headers := map[string]string{"host": c.hostHeader()}
	for k, v := range extraHeaders {
		headers[strings.ToLower(k)] = v
	}

	signReq := SigningRequest{
		Method:        method,
		Path:          canonicalPath,
		Query:         query,
		Headers:       headers,
		Region:        c.cfg.Region,
		Service:       "s3",
		PayloadSHA256: payloadHash,
		Time:          time.Now(),
	}
	authorization, amzDate := Sign(signReq, c.cfg.Credentials)

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, vherrors.New(vherrors.CodeInvalidArgument, "failed to build s3 request").
			WithComponent("s3wire").WithCause(err)
	}
	httpReq.Header.Set("Host", headers["host"])
	httpReq.Header.Set("X-Amz-Date", amzDate)
	httpReq.Header.Set("X-Amz-Content-Sha256", payloadHash)
	httpReq.Header.Set("Authorization", authorization)
	for k, v := range extraHeaders {
		httpReq.Header.Set(k, v)
	}
	if body != nil {
		httpReq.ContentLength = int64(len(body))
	}

	resp, err := c.ensureClient().Do(httpReq)
	if err != nil {
		return nil, vherrors.New(vherrors.CodeTransient, "s3 request failed").
			WithComponent("s3wire").WithOperation(method).WithCause(err)
	}
	return resp, nil
}

// PutObject uploads data as key's content.
func (c *Client) PutObject(ctx context.Context, key string, data []byte, contentType string) (etag string, err error) {
	return c.PutObjectWithMetadata(ctx, key, data, contentType, nil)
}

// PutObjectWithMetadata uploads data as key's content, attaching the
// given x-amz-meta-* headers (and any other caller-supplied headers) on
// the same request — this satisfies spec §6's metadata-mutation
// contract without a separate copy-source round trip, since the
// Synchronization Controller always has the full ciphertext body in hand
// when it needs the encryption headers set.
func (c *Client) PutObjectWithMetadata(ctx context.Context, key string, data []byte, contentType string, meta map[string]string) (etag string, err error) {
	headers := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		headers[k] = v
	}
	if contentType != "" {
		headers["content-type"] = contentType
	}
	resp, err := c.do(ctx, http.MethodPut, key, nil, data, headers)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := translateStatus(resp, "put_object"); err != nil {
		return "", err
	}
	return strings.Trim(resp.Header.Get("ETag"), `"`), nil
}

// GetObject downloads key's full content.
func (c *Client) GetObject(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, key, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := translateStatus(resp, "get_object"); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, vherrors.New(vherrors.CodeIOError, "failed to read s3 response body").
			WithComponent("s3wire").WithCause(err)
	}
	return data, nil
}

// HeadObject fetches an object's size, ETag, and x-amz-meta-* headers
// without downloading the body.
func (c *Client) HeadObject(ctx context.Context, key string) (size int64, etag string, meta map[string]string, err error) {
	resp, err := c.do(ctx, http.MethodHead, key, nil, nil, nil)
	if err != nil {
		return 0, "", nil, err
	}
	defer resp.Body.Close()
	if err := translateStatus(resp, "head_object"); err != nil {
		return 0, "", nil, err
	}
	size, _ = strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	meta = make(map[string]string)
	for k, v := range resp.Header {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "x-amz-meta-") && len(v) > 0 {
			meta[lk] = v[0]
		}
	}
	return size, strings.Trim(resp.Header.Get("ETag"), `"`), meta, nil
}

// DeleteObject removes key.
func (c *Client) DeleteObject(ctx context.Context, key string) error {
	resp, err := c.do(ctx, http.MethodDelete, key, nil, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return translateStatus(resp, "delete_object")
}

// ListResult is one page of ListObjects.
type ListResult struct {
	Keys                  []string
	IsTruncated           bool
	NextContinuationToken string
}

type listBucketResult struct {
	XMLName               xml.Name `xml:"ListBucketResult"`
	IsTruncated           bool     `xml:"IsTruncated"`
	NextContinuationToken string   `xml:"NextContinuationToken"`
	Contents              []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
}

// ListObjects lists up to one page of keys under prefix, following the
// same continuation-token pagination contract as the original
// implementation's regex-based parsePagination.
func (c *Client) ListObjects(ctx context.Context, prefix, continuationToken string) (*ListResult, error) {
	query := url.Values{"list-type": {"2"}}
	if prefix != "" {
		query.Set("prefix", prefix)
	}
	if continuationToken != "" {
		query.Set("continuation-token", continuationToken)
	}

	resp, err := c.do(ctx, http.MethodGet, "", query, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := translateStatus(resp, "list_objects"); err != nil {
		return nil, err
	}

	var parsed listBucketResult
	if err := xml.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, vherrors.New(vherrors.CodeIOError, "failed to parse list-objects response").
			WithComponent("s3wire").WithCause(err)
	}

	keys := make([]string, 0, len(parsed.Contents))
	for _, obj := range parsed.Contents {
		keys = append(keys, obj.Key)
	}
	return &ListResult{Keys: keys, IsTruncated: parsed.IsTruncated, NextContinuationToken: parsed.NextContinuationToken}, nil
}

func translateStatus(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return vherrors.New(vherrors.CodeNotFound, "object not found").WithComponent("s3wire").WithOperation(op)
	case http.StatusForbidden, http.StatusUnauthorized:
		return vherrors.New(vherrors.CodeFatal, "s3 request rejected by signature or access policy").
			WithComponent("s3wire").WithOperation(op).WithDetail("body", string(body))
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return vherrors.New(vherrors.CodeTransient, "s3 request throttled or backend unavailable").
			WithComponent("s3wire").WithOperation(op)
	default:
		return vherrors.New(vherrors.CodeIOError, fmt.Sprintf("s3 request failed with status %d", resp.StatusCode)).
			WithComponent("s3wire").WithOperation(op).WithDetail("body", string(body))
	}
}
