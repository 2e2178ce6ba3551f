package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omarfornaroli/posapp-sub000/internal/config"
)

func newTestClient(baseURL string) *Client {
	return NewClient(config.RemoteConfig{
		BaseURL:        baseURL,
		RequestTimeout: "2s",
	})
}

func TestListParsesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/products", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":[
			{"id":"p1","name":"Coffee","createdAt":"2024-03-01T10:00:00Z"},
			{"id":"p2","name":"Tea"},
			{"name":"no id, skipped"}
		]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	records, err := c.List(context.Background(), "products")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "p1", records[0].ID)
	assert.Equal(t, 2024, records[0].CreatedAt.Year())
	assert.JSONEq(t, `{"id":"p2","name":"Tea"}`, string(records[1].Data))
}

func TestIdentityHeaderPropagated(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-User-Email")
		w.Write([]byte(`{"success":true,"data":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.SetIdentity("admin@shop.test")

	_, err := c.List(context.Background(), "products")
	require.NoError(t, err)
	assert.Equal(t, "admin@shop.test", gotHeader)

	c.SetIdentity("")
	_, err = c.List(context.Background(), "products")
	require.NoError(t, err)
	assert.Empty(t, gotHeader)
}

func TestServerErrorTaxonomy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"success":false,"error":"boom"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.List(context.Background(), "products")
	require.Error(t, err)

	var srvErr *ServerError
	require.True(t, errors.As(err, &srvErr))
	assert.Equal(t, http.StatusInternalServerError, srvErr.Status)
	assert.Equal(t, "boom", srvErr.Message)
	assert.False(t, IsNetworkUnavailable(err))
}

func TestSuccessFalseIsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"error":"barcode already exists"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Create(context.Background(), "products", json.RawMessage(`{"name":"x"}`))
	require.Error(t, err)

	var srvErr *ServerError
	require.True(t, errors.As(err, &srvErr))
	assert.Equal(t, "barcode already exists", srvErr.Message)
}

func TestNetworkUnavailable(t *testing.T) {
	// Nothing listens here.
	c := newTestClient("http://127.0.0.1:1")

	_, err := c.List(context.Background(), "products")
	require.Error(t, err)
	assert.True(t, IsNetworkUnavailable(err))

	var srvErr *ServerError
	assert.False(t, errors.As(err, &srvErr))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	ctx := context.Background()

	assert.False(t, c.Offline())
	for i := 0; i < 3; i++ {
		_, err := c.List(ctx, "products")
		require.Error(t, err)
	}
	assert.True(t, c.Offline())

	// Open breaker still classifies as network unavailability.
	_, err := c.List(ctx, "products")
	require.Error(t, err)
	assert.True(t, IsNetworkUnavailable(err))
}

func TestCreateAndUpdateAndDelete(t *testing.T) {
	var lastMethod, lastPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastMethod, lastPath = r.Method, r.URL.Path
		switch r.Method {
		case http.MethodPost:
			w.Write([]byte(`{"success":true,"data":{"id":"srv-1","name":"Coffee"}}`))
		case http.MethodPut:
			w.Write([]byte(`{"success":true,"data":{"id":"srv-1","name":"Espresso"}}`))
		default:
			w.Write([]byte(`{"success":true}`))
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ctx := context.Background()

	rec, err := c.Create(ctx, "products", json.RawMessage(`{"name":"Coffee"}`))
	require.NoError(t, err)
	assert.Equal(t, "srv-1", rec.ID)
	assert.Equal(t, http.MethodPost, lastMethod)
	assert.Equal(t, "/api/products", lastPath)

	rec, err = c.Update(ctx, "products", "srv-1", json.RawMessage(`{"name":"Espresso"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"srv-1","name":"Espresso"}`, string(rec.Data))
	assert.Equal(t, "/api/products/srv-1", lastPath)

	require.NoError(t, c.Delete(ctx, "products", "srv-1"))
	assert.Equal(t, http.MethodDelete, lastMethod)
}

func TestGetSingleton(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/receipt-settings", r.URL.Path)
		w.Write([]byte(`{"success":true,"data":{"footer":"thanks!"}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	rec, err := c.GetSingleton(context.Background(), "receipt-settings")
	require.NoError(t, err)
	assert.JSONEq(t, `{"footer":"thanks!"}`, string(rec.Data))
}
