// Package sigv4 implements AWS Signature Version 4 request signing for
// outgoing requests to S3-compatible backends.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

const algorithm = "AWS4-HMAC-SHA256"

// Request holds everything needed to produce a SigV4 signature for one
// outgoing HTTP request. Header names may be in any case; they are
// lowercased during canonicalization.
type Request struct {
	Method    string
	URIPath   string
	Query     url.Values
	Headers   map[string]string
	Body      []byte
	AccessKey string
	SecretKey string
	Region    string
	Service   string
	Date      string // YYYYMMDD
	DateTime  string // YYYYMMDDTHHMMSSZ
}

// Signed is the result of signing a Request: the derived Authorization
// header value plus the intermediate artifacts useful for testing.
type Signed struct {
	CanonicalRequest string
	StringToSign     string
	Signature        string
	SignedHeaders    string
	Authorization    string
}

// Sign computes the SigV4 Authorization header for r. It is pure and
// deterministic: identical inputs always produce identical output.
func Sign(r Request) Signed {
	canonicalURI := canonicalURIPath(r.URIPath)
	canonicalQuery := canonicalQueryString(r.Query)
	signedHeaders, canonicalHeaders := canonicalHeaderBlock(r.Headers)
	bodyHash := hashHex(r.Body)

	canonicalRequest := strings.Join([]string{
		r.Method,
		canonicalURI,
		canonicalQuery,
		canonicalHeaders,
		signedHeaders,
		bodyHash,
	}, "\n")

	scope := strings.Join([]string{r.Date, r.Region, r.Service, "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		algorithm,
		r.DateTime,
		scope,
		hashHex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(r.SecretKey, r.Date, r.Region, r.Service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	authHeader := algorithm + " " +
		"Credential=" + r.AccessKey + "/" + scope + ", " +
		"SignedHeaders=" + signedHeaders + ", " +
		"Signature=" + signature

	return Signed{
		CanonicalRequest: canonicalRequest,
		StringToSign:     stringToSign,
		Signature:        signature,
		SignedHeaders:    signedHeaders,
		Authorization:    authHeader,
	}
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func deriveSigningKey(secret, date, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}

// canonicalURIPath URL-encodes each path segment per AWS rules
// (unreserved characters plus '/', with '/' preserved as a separator).
func canonicalURIPath(p string) string {
	if p == "" {
		return "/"
	}
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = awsURIEncode(seg, false)
	}
	return strings.Join(segments, "/")
}

// canonicalQueryString sorts params by name then value and URL-encodes
// both, joined with '&'.
func canonicalQueryString(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	type kv struct{ k, v string }
	pairs := make([]kv, 0, len(q))
	for k, vs := range q {
		for _, v := range vs {
			pairs = append(pairs, kv{k, v})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = awsURIEncode(p.k, true) + "=" + awsURIEncode(p.v, true)
	}
	return strings.Join(parts, "&")
}

// canonicalHeaderBlock returns (signed_headers, canonical_headers):
// names lowercased and sorted, values trimmed with internal whitespace
// collapsed. Lookups go through a case-normalized copy of the map so
// callers may pass header names in any case.
func canonicalHeaderBlock(headers map[string]string) (signed string, canonical string) {
	norm := make(map[string]string, len(headers))
	names := make([]string, 0, len(headers))
	for k, v := range headers {
		name := strings.ToLower(k)
		if _, ok := norm[name]; !ok {
			names = append(names, name)
		}
		norm[name] = v
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		value := collapseWhitespace(strings.TrimSpace(norm[name]))
		sb.WriteString(name)
		sb.WriteByte(':')
		sb.WriteString(value)
		sb.WriteByte('\n')
	}
	return strings.Join(names, ";"), sb.String()
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// awsURIEncode URL-encodes s per AWS's rules: unreserved characters
// (A-Z a-z 0-9 - _ . ~) pass through unescaped; everything else is
// percent-encoded in uppercase hex. When encodeSlash is false, '/' is
// also passed through unescaped (used for path segments joined by '/'
// at a higher level, not for this function's own internal slashes).
func awsURIEncode(s string, encodeSlash bool) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			sb.WriteByte(c)
		case c == '/' && !encodeSlash:
			sb.WriteByte(c)
		default:
			sb.WriteString("%")
			sb.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
		}
	}
	return sb.String()
}
