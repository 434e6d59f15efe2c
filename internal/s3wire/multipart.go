package s3wire

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"

	vherrors "github.com/vaulthalla/vaulthalla/pkg/errors"
)

// DefaultMultipartThreshold is the object size above which pushEntry
// switches from a single PUT to a multipart upload (spec.md:138).
const DefaultMultipartThreshold = 8 * 1024 * 1024

// DefaultMultipartPartSize is the chunk size multipart uploads split a
// blob into once the threshold above is crossed (spec.md:138, S5:
// spec.md:256 — a 12 MiB file splits into parts of {5, 5, 2} MiB).
const DefaultMultipartPartSize = 5 * 1024 * 1024

var uploadIDPattern = regexp.MustCompile(`<UploadId>([^<]+)</UploadId>`)

// MultipartUpload tracks one in-progress multipart upload, mirroring the
// initiate/uploadPart/complete/abort lifecycle of the original
// S3Provider::putObjectMultipart.
type MultipartUpload struct {
	client *Client
	Key    string
	ID     string
	etags  []string
}

// InitiateMultipartUpload starts a new multipart upload for key. Any
// x-amz-meta-* headers in meta are attached at initiate time, since S3
// has no way to set object metadata after a multipart completion short
// of a separate copy-source request.
func (c *Client) InitiateMultipartUpload(ctx context.Context, key, contentType string, meta map[string]string) (*MultipartUpload, error) {
	query := url.Values{"uploads": {""}}
	headers := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		headers[k] = v
	}
	if contentType != "" {
		headers["content-type"] = contentType
	}
	resp, err := c.do(ctx, http.MethodPost, key, query, nil, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := translateStatus(resp, "initiate_multipart_upload"); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, vherrors.New(vherrors.CodeIOError, "failed to read initiate-multipart response").
			WithComponent("s3wire").WithCause(err)
	}
	match := uploadIDPattern.FindSubmatch(body)
	if match == nil {
		return nil, vherrors.New(vherrors.CodeIOError, "upload id missing from initiate-multipart response").
			WithComponent("s3wire").WithOperation("initiate_multipart_upload")
	}
	return &MultipartUpload{client: c, Key: key, ID: string(match[1])}, nil
}

// UploadPart uploads one numbered part (1-indexed, per the S3 contract)
// and records its ETag for the eventual CompleteMultipartUpload call.
func (u *MultipartUpload) UploadPart(ctx context.Context, partNumber int, data []byte) error {
	query := url.Values{
		"partNumber": {fmt.Sprintf("%d", partNumber)},
		"uploadId":   {u.ID},
	}
	resp, err := u.client.do(ctx, http.MethodPut, u.Key, query, data, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := translateStatus(resp, "upload_part"); err != nil {
		return err
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return vherrors.New(vherrors.CodeIOError, "upload part response missing ETag").
			WithComponent("s3wire").WithOperation("upload_part")
	}
	for len(u.etags) < partNumber {
		u.etags = append(u.etags, "")
	}
	u.etags[partNumber-1] = etag
	return nil
}

type completeMultipartUploadXML struct {
	XMLName xml.Name `xml:"CompleteMultipartUpload"`
	Parts   []partXML `xml:"Part"`
}

type partXML struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

// Complete finishes the upload, sending the accumulated part ETags in
// the request body the same way composeMultiPartUploadXMLBody does.
func (u *MultipartUpload) Complete(ctx context.Context) (etag string, err error) {
	body := completeMultipartUploadXML{}
	for i, tag := range u.etags {
		if tag == "" {
			return "", vherrors.New(vherrors.CodeInvalidArgument, fmt.Sprintf("part %d was never uploaded", i+1)).
				WithComponent("s3wire").WithOperation("complete_multipart_upload")
		}
		body.Parts = append(body.Parts, partXML{PartNumber: i + 1, ETag: tag})
	}

	payload, err := xml.Marshal(body)
	if err != nil {
		return "", vherrors.New(vherrors.CodeInvalidArgument, "failed to marshal complete-multipart body").
			WithComponent("s3wire").WithCause(err)
	}

	query := url.Values{"uploadId": {u.ID}}
	resp, err := u.client.do(ctx, http.MethodPost, u.Key, query, payload, map[string]string{"content-type": "application/xml"})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := translateStatus(resp, "complete_multipart_upload"); err != nil {
		return "", err
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", vherrors.New(vherrors.CodeIOError, "failed to read complete-multipart response").
			WithComponent("s3wire").WithCause(err)
	}
	var parsed struct {
		ETag string `xml:"ETag"`
	}
	_ = xml.Unmarshal(respBody, &parsed)
	return parsed.ETag, nil
}

// Abort cancels the multipart upload and releases any parts already
// stored by the backend, mirroring abortMultipartUpload in the original.
func (u *MultipartUpload) Abort(ctx context.Context) error {
	query := url.Values{"uploadId": {u.ID}}
	resp, err := u.client.do(ctx, http.MethodDelete, u.Key, query, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return translateStatus(resp, "abort_multipart_upload")
}

// PutObjectMultipart uploads data in partSize chunks, aborting the
// upload if any part fails. partSize <= 0 uses DefaultMultipartPartSize.
// This mirrors S3Provider::putObjectMultipart's initiate/loop/complete
// shape, with the abort-on-failure branch preserved.
func (c *Client) PutObjectMultipart(ctx context.Context, key string, r io.Reader, contentType string, partSize int) (etag string, err error) {
	if partSize <= 0 {
		partSize = DefaultMultipartPartSize
	}

	upload, err := c.InitiateMultipartUpload(ctx, key, contentType, nil)
	if err != nil {
		return "", err
	}

	buf := make([]byte, partSize)
	partNo := 1
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			if uploadErr := upload.UploadPart(ctx, partNo, buf[:n]); uploadErr != nil {
				_ = upload.Abort(ctx)
				return "", uploadErr
			}
			partNo++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			_ = upload.Abort(ctx)
			return "", vherrors.New(vherrors.CodeIOError, "failed reading multipart upload source").
				WithComponent("s3wire").WithCause(readErr)
		}
	}

	if partNo == 1 {
		_ = upload.Abort(ctx)
		return "", vherrors.New(vherrors.CodeInvalidArgument, "multipart upload source was empty").
			WithComponent("s3wire").WithOperation("put_object_multipart")
	}

	return upload.Complete(ctx)
}
