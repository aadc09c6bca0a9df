package items

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shardgate/internal/store"
	"shardgate/pkg/logger"
)

func newTestRouter(t *testing.T, stsAPI *mockSTS, ddb *mockDDB) chi.Router {
	t.Helper()
	svc := newTestService(t, stsAPI, ddb)
	r := chi.NewRouter()
	RegisterHTTP(r, svc, logger.Nop(), 30*time.Second)
	return r
}

func doJSON(t *testing.T, r chi.Router, method, target string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestPostItemsCreated(t *testing.T) {
	stsAPI := &mockSTS{}
	ddb := &mockDDB{}
	r := newTestRouter(t, stsAPI, ddb)

	rec, body := doJSON(t, r, http.MethodPost, "/items", map[string]any{
		"tenant_id": "acme",
		"name":      "widget",
		"price":     3,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "Successful", body["status"])
	assert.Len(t, body["shard_ids"], 3)
	assert.Len(t, body["product_ids"], 3)
	assert.Equal(t, 3, ddb.callCount())
}

func TestPostItemsMissingTenant(t *testing.T) {
	stsAPI := &mockSTS{}
	r := newTestRouter(t, stsAPI, &mockDDB{})

	rec, body := doJSON(t, r, http.MethodPost, "/items", map[string]any{"name": "widget"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["type"], "invalid-identity")
	assert.Equal(t, 0, stsAPI.calls)
}

func TestPostItemsMalformedBody(t *testing.T) {
	r := newTestRouter(t, &mockSTS{}, &mockDDB{})

	req := httptest.NewRequest(http.MethodPost, "/items", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostItemsWildcardTenantRejectedEarly(t *testing.T) {
	stsAPI := &mockSTS{}
	ddb := &mockDDB{}
	r := newTestRouter(t, stsAPI, ddb)

	rec, _ := doJSON(t, r, http.MethodPost, "/items", map[string]any{"tenant_id": "*"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, stsAPI.calls, "validation precedes the trust exchange")
	assert.Equal(t, 0, ddb.callCount())
}

func TestPostItemsPolicyRejectedForbidden(t *testing.T) {
	stsAPI := &mockSTS{
		assumeRoleFunc: func(context.Context, *sts.AssumeRoleInput, ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
			return nil, &ststypes.MalformedPolicyDocumentException{Message: aws.String("rejected")}
		},
	}
	ddb := &mockDDB{}
	r := newTestRouter(t, stsAPI, ddb)

	rec, body := doJSON(t, r, http.MethodPost, "/items", map[string]any{"tenant_id": "acme", "name": "widget"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, body["type"], "unauthorized")
	assert.Equal(t, "Request not authorized", body["title"])
	assert.Equal(t, 1, stsAPI.calls)
	assert.Equal(t, 0, ddb.callCount())
}

func TestGetItemsList(t *testing.T) {
	ddb := &mockDDB{
		queryFunc: func(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
			shard := params.ExpressionAttributeValues[":shard"].(*dynamodbtypes.AttributeValueMemberS).Value
			if shard != "acme-2" {
				return &dynamodb.QueryOutput{}, nil
			}
			return &dynamodb.QueryOutput{Items: []map[string]dynamodbtypes.AttributeValue{{
				store.ShardAttr:   &dynamodbtypes.AttributeValueMemberS{Value: shard},
				store.ProductAttr: &dynamodbtypes.AttributeValueMemberS{Value: "10042"},
				store.DataAttr:    &dynamodbtypes.AttributeValueMemberS{Value: `{"name":"widget"}`},
			}}}, nil
		},
	}
	r := newTestRouter(t, &mockSTS{}, ddb)

	rec, body := doJSON(t, r, http.MethodGet, "/items?tenant_id=acme", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), body["count"])
	items, ok := body["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	first := items[0].(map[string]any)
	assert.Equal(t, "acme-2", first["shard_id"])
	assert.Equal(t, "10042", first["product_id"])
}

func TestGetItemsPointRead(t *testing.T) {
	ddb := &mockDDB{
		getItemFunc: func(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{Item: map[string]dynamodbtypes.AttributeValue{
				store.ShardAttr:   params.Key[store.ShardAttr],
				store.ProductAttr: params.Key[store.ProductAttr],
			}}, nil
		},
	}
	r := newTestRouter(t, &mockSTS{}, ddb)

	rec, body := doJSON(t, r, http.MethodGet, "/items?tenant_id=acme&shard_id=acme-1&product_id=10001", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "acme-1", body["shard_id"])
	assert.Equal(t, "10001", body["product_id"])
}

func TestGetItemsPointReadMiss(t *testing.T) {
	r := newTestRouter(t, &mockSTS{}, &mockDDB{})

	rec, body := doJSON(t, r, http.MethodGet, "/items?tenant_id=acme&shard_id=acme-1&product_id=10001", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, body["type"], "not-found")
}

func TestGetItemsForeignShardForbidden(t *testing.T) {
	ddb := &mockDDB{}
	r := newTestRouter(t, &mockSTS{}, ddb)

	rec, body := doJSON(t, r, http.MethodGet, "/items?tenant_id=acme&shard_id=rival-1&product_id=10001", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Request not authorized", body["title"])
	assert.Equal(t, 0, ddb.callCount())
}

func TestDeleteItemNoContent(t *testing.T) {
	ddb := &mockDDB{}
	r := newTestRouter(t, &mockSTS{}, ddb)

	req := httptest.NewRequest(http.MethodDelete, "/items/10001?tenant_id=acme&shard_id=acme-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, ddb.callCount())
}

func TestRequestDeadlineGatewayTimeout(t *testing.T) {
	svc := newTestService(t, &mockSTS{}, &mockDDB{})
	r := chi.NewRouter()
	RegisterHTTP(r, svc, logger.Nop(), time.Nanosecond)

	rec, body := doJSON(t, r, http.MethodGet, "/items?tenant_id=acme", nil)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code, rec.Body.String())
	assert.Contains(t, body["type"], "timeout")
	assert.Equal(t, "Request timed out", body["title"])
}

func TestDeleteItemMissingShardBadRequest(t *testing.T) {
	ddb := &mockDDB{}
	r := newTestRouter(t, &mockSTS{}, ddb)

	req := httptest.NewRequest(http.MethodDelete, "/items/10001?tenant_id=acme", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, ddb.callCount())
}

func TestBrokerOutageUnavailable(t *testing.T) {
	stsAPI := &mockSTS{
		assumeRoleFunc: func(context.Context, *sts.AssumeRoleInput, ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
			return nil, context.DeadlineExceeded
		},
	}
	r := newTestRouter(t, stsAPI, &mockDDB{})

	rec, body := doJSON(t, r, http.MethodGet, "/items?tenant_id=acme", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, body["type"], "unavailable")
}
