package es

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"polychat-go/internal/model"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeES(t *testing.T, handler http.HandlerFunc) *elasticsearch.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return client
}

func TestMessageIndex_SearchFiltersByChat(t *testing.T) {
	var query map[string]interface{}
	client := newFakeES(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat_messages/_search", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &query))
		fmt.Fprint(w, `{"hits":{"hits":[{"_score":1.5,"_source":{"chat_id":3,"client_id":"c3","message_id":9,"prompt":"haiku","answer":"Autumn leaves","model_key":"openai/gpt-4o"},"highlight":{"answer":["<em>Autumn</em> leaves"]}}]}}`)
	})

	idx := NewMessageIndex(client, "chat_messages")
	hits, err := idx.Search(context.Background(), "autumn", []uint{3, 4}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, uint(9), hits[0].MessageID)
	assert.Equal(t, []string{"<em>Autumn</em> leaves"}, hits[0].Highlight)

	filter := query["query"].(map[string]interface{})["bool"].(map[string]interface{})["filter"]
	assert.Contains(t, fmt.Sprint(filter), "chat_id")
}

func TestMessageIndex_SearchWithoutChats(t *testing.T) {
	client := newFakeES(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	hits, err := NewMessageIndex(client, "chat_messages").Search(context.Background(), "x", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMessageIndex_Index(t *testing.T) {
	var path string
	client := newFakeES(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		fmt.Fprint(w, `{"result":"created"}`)
	})
	err := NewMessageIndex(client, "chat_messages").Index(context.Background(), model.MessageDocument{DocID: "msg-9", MessageID: 9})
	require.NoError(t, err)
	assert.Equal(t, "/chat_messages/_doc/msg-9", path)
}
