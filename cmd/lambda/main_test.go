package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Idempotency-Key", r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"method": r.Method,
			"path":   r.URL.Path,
			"query":  r.URL.Query().Get("q"),
			"body":   string(body),
		})
	})
}

func TestProxyHandler(t *testing.T) {
	h := proxyHandler(echoHandler())

	resp, err := h(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:            http.MethodPost,
		Path:                  "/transactions",
		Headers:               map[string]string{"Idempotency-Key": "k1"},
		QueryStringParameters: map[string]string{"q": "x"},
		Body:                  `{"a":1}`,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "k1", resp.Headers["X-Idempotency-Key"])

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &got))
	assert.Equal(t, map[string]string{"method": "POST", "path": "/transactions", "query": "x", "body": `{"a":1}`}, got)
}

func TestProxyHandler_Base64Body(t *testing.T) {
	h := proxyHandler(echoHandler())

	resp, err := h(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:      http.MethodPost,
		Path:            "/transactions",
		Body:            base64.StdEncoding.EncodeToString([]byte("hello")),
		IsBase64Encoded: true,
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Body, `"body":"hello"`)

	bad, err := h(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:      http.MethodPost,
		Path:            "/transactions",
		Body:            "!!not base64!!",
		IsBase64Encoded: true,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}
