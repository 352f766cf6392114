package proxyhandler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sbaradwaj/s3proxy/internal/replica"
	"github.com/sbaradwaj/s3proxy/internal/sigv4"
)

// backendRequest describes one logical request to be issued against
// every replica in a bucket's failover set: the same method, path,
// query and body are replayed verbatim, only the signature and Host
// differ per replica.
type backendRequest struct {
	Method  string
	Path    string
	Query   url.Values
	Headers http.Header
	Body    []byte
}

// issuerFor builds a replica.Issuer that SigV4-signs breq with the
// replica's credentials and performs the HTTP round-trip. The
// returned Result's Response body, if non-nil, has already
// been fully read into memory and replaced with a fresh io.Reader so
// callers may read it exactly once.
func (h *Handler) issuerFor(breq backendRequest) replica.Issuer {
	return func(ctx context.Context, client *http.Client, r *replica.Replica) replica.Result {
		creds := h.credentials[r.Name]

		target := strings.TrimRight(r.Endpoint, "/") + breq.Path
		u, err := url.Parse(target)
		if err != nil {
			return replica.Result{Err: err}
		}
		u.RawQuery = breq.Query.Encode()

		now := time.Now().UTC()
		date := now.Format("20060102")
		datetime := now.Format("20060102T150405Z")

		bodyHash := sha256.Sum256(breq.Body)

		headers := map[string]string{
			"host":                 u.Host,
			"x-amz-date":           datetime,
			"x-amz-content-sha256": hex.EncodeToString(bodyHash[:]),
		}
		for k, vs := range breq.Headers {
			if len(vs) == 0 {
				continue
			}
			headers[strings.ToLower(k)] = vs[0]
		}

		signed := sigv4.Sign(sigv4.Request{
			Method:    breq.Method,
			URIPath:   u.Path,
			Query:     u.Query(),
			Headers:   headers,
			Body:      breq.Body,
			AccessKey: creds.AccessKey,
			SecretKey: creds.SecretKey,
			Region:    regionOrDefault(creds.Region, r.Region),
			Service:   serviceOrDefault(creds.Service),
			Date:      date,
			DateTime:  datetime,
		})

		httpReq, err := http.NewRequestWithContext(ctx, breq.Method, u.String(), bytes.NewReader(breq.Body))
		if err != nil {
			return replica.Result{Err: err}
		}
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}
		httpReq.Header.Set("Authorization", signed.Authorization)

		resp, err := client.Do(httpReq)
		if err != nil {
			return replica.Result{Err: err}
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return replica.Result{Err: err}
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))

		return replica.Result{Response: resp, Status: resp.StatusCode}
	}
}

func regionOrDefault(credsRegion, replicaRegion string) string {
	if credsRegion != "" {
		return credsRegion
	}
	return replicaRegion
}

func serviceOrDefault(service string) string {
	if service != "" {
		return service
	}
	return "s3"
}
