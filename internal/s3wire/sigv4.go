// Package s3wire hand-signs every request to the S3-compatible backend
// with AWS Signature Version 4, rather than delegating to a cloud SDK's
// signer. The original implementation signs curl requests itself with
// OpenSSL HMAC/SHA256 (core_daemon/src/util/s3Helpers.cpp); spec §8-S6
// requires byte-for-byte reproducible Authorization headers against a
// golden vector, which rules out an opaque third-party signer.
package s3wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	algorithm      = "AWS4-HMAC-SHA256"
	iso8601Compact = "20060102T150405Z"
	dateOnly       = "20060102"
)

// Credentials identifies the signing identity.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// SigningRequest is the subset of an HTTP request SigV4 needs: the parts
// that influence the canonical request, kept independent of net/http so
// the signer can be golden-vector tested without building a real request.
type SigningRequest struct {
	Method        string
	Path          string // unescaped; Sign percent-encodes each segment via escapePath
	Query         url.Values
	Headers       map[string]string // must include "host"; "x-amz-content-sha256" added by Sign
	Region        string
	Service       string // "s3"
	PayloadSHA256 string // hex digest of the body, or the unsigned-payload sentinel
	Time          time.Time
}

// UnsignedPayload is used for streaming/unknown-length bodies.
const UnsignedPayload = "UNSIGNED-PAYLOAD"

// Sign computes the Authorization header value for req under creds. It
// also returns the x-amz-date value the caller must set alongside it.
func Sign(req SigningRequest, creds Credentials) (authorization, amzDate string) {
	amzDate = req.Time.UTC().Format(iso8601Compact)
	dateStamp := req.Time.UTC().Format(dateOnly)

	headers := make(map[string]string, len(req.Headers)+2)
	for k, v := range req.Headers {
		headers[strings.ToLower(k)] = strings.TrimSpace(v)
	}
	headers["x-amz-date"] = amzDate
	if req.PayloadSHA256 != "" {
		headers["x-amz-content-sha256"] = req.PayloadSHA256
	}

	signedHeaderNames, canonicalHeaders := canonicalizeHeaders(headers)
	canonicalQuery := canonicalizeQuery(req.Query)
	payloadHash := req.PayloadSHA256
	if payloadHash == "" {
		payloadHash = sha256Hex(nil)
	}

	canonicalRequest := strings.Join([]string{
		strings.ToUpper(req.Method),
		escapePath(req.Path),
		canonicalQuery,
		canonicalHeaders,
		signedHeaderNames,
		payloadHash,
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, req.Region, req.Service)
	stringToSign := strings.Join([]string{
		algorithm,
		amzDate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(creds.SecretAccessKey, dateStamp, req.Region, req.Service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, []byte(stringToSign)))

	authorization = fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, creds.AccessKeyID, credentialScope, signedHeaderNames, signature)
	return authorization, amzDate
}

func deriveSigningKey(secret, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	return hmacSHA256(kService, []byte("aws4_request"))
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalizeHeaders returns the sorted ";"-joined header name list and
// the newline-joined "name:value" canonical header block.
func canonicalizeHeaders(headers map[string]string) (signedHeaderNames, canonicalHeaders string) {
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(collapseSpaces(headers[name]))
		b.WriteByte('\n')
	}
	return strings.Join(names, ";"), b.String()
}

func collapseSpaces(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// canonicalizeQuery sorts query keys and percent-encodes both keys and
// values per the SigV4 spec (space as %20, not '+').
func canonicalizeQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vs := append([]string{}, values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, encodeRFC3986(k)+"="+encodeRFC3986(v))
		}
	}
	return strings.Join(parts, "&")
}

func encodeRFC3986(s string) string {
	escaped := url.QueryEscape(s)
	escaped = strings.ReplaceAll(escaped, "+", "%20")
	return escaped
}

// escapePath percent-encodes each path segment independently and rejoins
// with literal "/", mirroring the original implementation's
// escapeKeyPreserveSlashes (curl_easy_escape per segment).
func escapePath(p string) string {
	if p == "" {
		return "/"
	}
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = encodePathSegment(seg)
	}
	return strings.Join(segments, "/")
}

func encodePathSegment(seg string) string {
	escaped := url.QueryEscape(seg)
	escaped = strings.ReplaceAll(escaped, "+", "%20")
	// Keeps "~" literal; url.QueryEscape already leaves it unescaped.
	escaped = strings.ReplaceAll(escaped, "%7E", "~")
	return escaped
}
