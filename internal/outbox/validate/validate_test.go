package validate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/outbox/internal/errors"
	"github.com/kimhsiao/outbox/internal/models"
)

const saleSchema = `{
	"type": "object",
	"required": ["amount", "product_id"],
	"properties": {
		"amount": {"type": "number", "exclusiveMinimum": 0},
		"product_id": {"type": "integer"}
	}
}`

func TestValidate_Structural(t *testing.T) {
	v := New()

	tests := []struct {
		name    string
		req     *models.OperationRequest
		wantErr bool
	}{
		{"nil request", nil, true},
		{"no url or kind", &models.OperationRequest{Method: "POST"}, true},
		{"absolute url", &models.OperationRequest{URL: "https://portal.example.com/api/x", Method: "POST"}, false},
		{"relative url", &models.OperationRequest{URL: "/api/merchant/sale", Method: "post"}, false},
		{"kind only", &models.OperationRequest{Kind: "sale"}, false},
		{"bad scheme", &models.OperationRequest{URL: "ftp://example.com/x"}, true},
		{"no leading slash", &models.OperationRequest{URL: "api/x"}, true},
		{"bad method", &models.OperationRequest{URL: "/api/x", Method: "TRACE"}, true},
		{"bad priority", &models.OperationRequest{URL: "/api/x", Priority: "urgent"}, true},
		{"valid priority", &models.OperationRequest{URL: "/api/x", Priority: "Critical"}, false},
		{"negative retries", &models.OperationRequest{URL: "/api/x", MaxRetries: -1}, true},
		{"invalid body", &models.OperationRequest{URL: "/api/x", Body: json.RawMessage(`{"a":`)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.req)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidate_Schema(t *testing.T) {
	v := New()
	require.NoError(t, v.AddSchema("sale", []byte(saleSchema)))
	assert.True(t, v.HasSchema("sale"))

	ok := &models.OperationRequest{Kind: "sale", Body: json.RawMessage(`{"amount": 12.5, "product_id": 7}`)}
	assert.NoError(t, v.Validate(ok))

	missing := &models.OperationRequest{Kind: "sale", Body: json.RawMessage(`{"amount": 12.5}`)}
	err := v.Validate(missing)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	negative := &models.OperationRequest{Kind: "sale", Body: json.RawMessage(`{"amount": 0, "product_id": 7}`)}
	assert.Error(t, v.Validate(negative))

	empty := &models.OperationRequest{Kind: "sale"}
	assert.Error(t, v.Validate(empty), "a schema'd kind rejects a missing body")

	other := &models.OperationRequest{Kind: "payment", Body: json.RawMessage(`{}`)}
	assert.NoError(t, v.Validate(other), "kinds without a schema are not checked")
}

func TestAddSchema_Invalid(t *testing.T) {
	v := New()
	err := v.AddSchema("sale", []byte(`{"type": 5}`))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))

	err = v.AddSchema("sale", []byte(`not json`))
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))
}

func TestComputeIdempotencyKey(t *testing.T) {
	a, err := ComputeIdempotencyKey("sale", json.RawMessage(`{"amount":1500,"product_id":7}`))
	require.NoError(t, err)
	b, err := ComputeIdempotencyKey("sale", json.RawMessage(`{ "product_id": 7, "amount": 1500 }`))
	require.NoError(t, err)
	assert.Equal(t, a, b, "key ignores key order and whitespace")
	assert.Len(t, a, 64)

	c, err := ComputeIdempotencyKey("payment", json.RawMessage(`{"amount":1500,"product_id":7}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "kind is part of the key")

	d, err := ComputeIdempotencyKey("sale", json.RawMessage(`{"amount":1501,"product_id":7}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, d)

	_, err = ComputeIdempotencyKey("sale", json.RawMessage(`{`))
	assert.Error(t, err)
}

func TestCanonicalize(t *testing.T) {
	out, err := Canonicalize(json.RawMessage(`{"b":[3,{"z":1,"a":2}],"a":1.50,"c":"<x>"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1.50,"b":[3,{"a":2,"z":1}],"c":"<x>"}`, string(out))

	empty, err := Canonicalize(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(empty))
}

func TestExtractEndpoint(t *testing.T) {
	assert.Equal(t, "/api/merchant/sale", ExtractEndpoint("https://portal.example.com/api/merchant/sale"))
	assert.Equal(t, "/api/x?id=1", ExtractEndpoint("https://portal.example.com/api/x?id=1"))
	assert.Equal(t, "/", ExtractEndpoint("https://portal.example.com"))
	assert.Equal(t, "/portal/producer/api/ping", ExtractEndpoint("/portal/producer/api/ping"))
}
