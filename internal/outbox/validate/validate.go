// Package validate checks operation requests before they are queued and
// derives their idempotency keys.
package validate

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	apperrors "github.com/kimhsiao/outbox/internal/errors"
	"github.com/kimhsiao/outbox/internal/models"
)

// AllowedMethods are the HTTP methods an operation may replay with.
var AllowedMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"PATCH":  true,
	"DELETE": true,
}

// Validator checks requests against structural rules and optional per-kind
// JSON Schemas. It is safe for concurrent use.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// New creates a Validator with no schemas.
func New() *Validator {
	return &Validator{schemas: make(map[string]*jsonschema.Schema)}
}

// AddSchema compiles schema and applies it to bodies of the given kind.
func (v *Validator) AddSchema(kind string, schema []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, fmt.Sprintf("schema for %q is not JSON", kind), err)
	}
	resource := fmt.Sprintf("outbox://schemas/%s.json", url.PathEscape(kind))
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resource, doc); err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, fmt.Sprintf("schema for %q", kind), err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrConfig, fmt.Sprintf("compile schema for %q", kind), err)
	}

	v.mu.Lock()
	v.schemas[kind] = compiled
	v.mu.Unlock()
	return nil
}

// HasSchema reports whether a schema is registered for kind.
func (v *Validator) HasSchema(kind string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.schemas[kind]
	return ok
}

// Validate checks req. Failures carry VALIDATION_ERROR and happen before any
// persistence or key computation.
func (v *Validator) Validate(req *models.OperationRequest) error {
	if req == nil {
		return apperrors.New(apperrors.ErrValidation, "request is required")
	}
	if strings.TrimSpace(req.URL) == "" && strings.TrimSpace(req.Kind) == "" {
		return apperrors.New(apperrors.ErrValidation, "url or kind is required")
	}
	if req.URL != "" {
		if err := checkURL(req.URL); err != nil {
			return err
		}
	}
	if req.Method != "" && !AllowedMethods[strings.ToUpper(req.Method)] {
		return apperrors.Newf(apperrors.ErrValidation, "method %q is not allowed", req.Method)
	}
	if req.Priority != "" {
		if _, err := models.ParsePriority(req.Priority); err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "invalid priority", err)
		}
	}
	if req.MaxRetries < 0 {
		return apperrors.New(apperrors.ErrValidation, "max_retries must be >= 0")
	}
	if len(req.Body) > 0 && !json.Valid(req.Body) {
		return apperrors.New(apperrors.ErrValidation, "body is not valid JSON")
	}

	v.mu.RLock()
	schema := v.schemas[req.Kind]
	v.mu.RUnlock()
	if schema == nil {
		return nil
	}

	body := []byte(req.Body)
	if len(body) == 0 {
		body = []byte("null")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "body is not valid JSON", err)
	}
	if err := schema.Validate(inst); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("body does not match %q schema", req.Kind), err)
	}
	return nil
}

// checkURL accepts absolute http(s) URLs and root-relative paths.
func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid url", err)
	}
	if u.IsAbs() {
		if u.Scheme != "http" && u.Scheme != "https" {
			return apperrors.Newf(apperrors.ErrValidation, "unsupported url scheme %q", u.Scheme)
		}
		if u.Host == "" {
			return apperrors.New(apperrors.ErrValidation, "url has no host")
		}
		return nil
	}
	if !strings.HasPrefix(u.Path, "/") {
		return apperrors.Newf(apperrors.ErrValidation, "relative url %q must start with /", raw)
	}
	return nil
}

// ComputeIdempotencyKey derives a stable key from kind and payload: the hex
// SHA-256 of the kind and the payload's canonical JSON (object keys sorted).
// Identical kind and payload always yield the same key.
func ComputeIdempotencyKey(kind string, payload json.RawMessage) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrValidation, "canonicalize payload", err)
	}
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Canonicalize re-encodes JSON with sorted object keys and no insignificant
// whitespace. Numbers keep their original text.
func Canonicalize(payload json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	// encoding/json writes map keys in sorted order
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ExtractEndpoint returns the path and query of rawURL, or rawURL itself when
// it cannot be parsed.
func ExtractEndpoint(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	endpoint := u.EscapedPath()
	if endpoint == "" {
		endpoint = "/"
	}
	if u.RawQuery != "" {
		endpoint += "?" + u.RawQuery
	}
	return endpoint
}
