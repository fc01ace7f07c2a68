package xqueue

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// AuthScheme prefixes the Authorization header value.
const AuthScheme = "SSI"

var (
	// ErrSignatureInvalid is the parent of every verification failure.
	ErrSignatureInvalid = errors.New("xqueue: signature invalid")
	// ErrMissingAuthorization is returned when no SSI header was sent.
	ErrMissingAuthorization = fmt.Errorf("%w: missing authorization", ErrSignatureInvalid)
	// ErrAccessKeyMismatch is returned for an unknown access key.
	ErrAccessKeyMismatch = fmt.Errorf("%w: access key mismatch", ErrSignatureInvalid)
	// ErrSignatureMismatch is returned when the HMAC does not match.
	ErrSignatureMismatch = fmt.Errorf("%w: signature mismatch", ErrSignatureInvalid)
)

// SignedHeaders are the request headers covered by the signature. Empty
// values are left out.
type SignedHeaders struct {
	ContentType string
	Date        string
	ContentMD5  string
}

// Signer signs and verifies requests with a shared secret.
type Signer struct {
	AccessKey string
	SecretKey string
}

// NewSigner builds a signer.
func NewSigner(accessKey, secretKey string) Signer {
	return Signer{AccessKey: accessKey, SecretKey: secretKey}
}

// Authorization returns the header value "SSI <access_key>:<signature>".
func (s Signer) Authorization(method string, headers SignedHeaders, fields map[string]string) string {
	return AuthScheme + " " + s.AccessKey + ":" + s.Sign(method, headers, fields)
}

// Sign returns base64(HMAC-SHA256(secret, message)).
func (s Signer) Sign(method string, headers SignedHeaders, fields map[string]string) string {
	mac := hmac.New(sha256.New, []byte(s.SecretKey))
	mac.Write([]byte(Message(method, headers, fields)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks an Authorization header value against the request.
func (s Signer) Verify(authorization, method string, headers SignedHeaders, fields map[string]string) error {
	credentials, ok := strings.CutPrefix(strings.TrimSpace(authorization), AuthScheme+" ")
	if !ok {
		return ErrMissingAuthorization
	}
	accessKey, signature, ok := strings.Cut(credentials, ":")
	if !ok {
		return ErrMissingAuthorization
	}
	if !hmac.Equal([]byte(accessKey), []byte(s.AccessKey)) {
		return ErrAccessKeyMismatch
	}
	expected := s.Sign(method, headers, fields)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrSignatureMismatch
	}
	return nil
}

// Message builds the signed text:
//
//	<METHOD>\n\n<Content-Type\n><Date\n><Content-MD5\n><canonical body>\n
func Message(method string, headers SignedHeaders, fields map[string]string) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteString("\n\n")
	for _, value := range []string{headers.ContentType, headers.Date, headers.ContentMD5} {
		if value != "" {
			b.WriteString(value)
			b.WriteByte('\n')
		}
	}
	b.WriteString(CanonicalBody(fields))
	b.WriteByte('\n')
	return b.String()
}

// CanonicalBody serializes form fields in sorted key order. Values holding
// a JSON object or array are expanded: nested keys are joined with ':' and
// list elements are addressed as key.i.
func CanonicalBody(fields map[string]string) string {
	doc := make(map[string]any, len(fields))
	for key, value := range fields {
		doc[key] = expandJSON(value)
	}
	var b strings.Builder
	writeCanonical(&b, "", doc)
	return b.String()
}

func expandJSON(value string) any {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return value
	}
	decoder := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	decoder.UseNumber()
	var decoded any
	if err := decoder.Decode(&decoded); err != nil || decoder.More() {
		return value
	}
	return decoded
}

func writeCanonical(b *strings.Builder, prefix string, value any) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			writeCanonical(b, prefix+key, nestedPrefix(v[key]))
		}
	case prefixed:
		writeNested(b, prefix, v.value)
	default:
		b.WriteString(prefix)
		b.WriteByte(':')
		b.WriteString(scalar(v))
		b.WriteByte('\n')
	}
}

// prefixed marks a container value so that writeCanonical appends the
// right separator to its key.
type prefixed struct{ value any }

func nestedPrefix(value any) any {
	switch value.(type) {
	case map[string]any, []any:
		return prefixed{value}
	default:
		return value
	}
}

func writeNested(b *strings.Builder, key string, value any) {
	switch v := value.(type) {
	case map[string]any:
		writeCanonical(b, key+":", v)
	case []any:
		for i, item := range v {
			writeCanonical(b, key+"."+strconv.Itoa(i), nestedPrefix(item))
		}
	}
}

func scalar(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}
