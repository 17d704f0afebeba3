// Package es 提供了与 Elasticsearch 交互的客户端功能。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"polychat-go/internal/config"
	"polychat-go/internal/model"
	"polychat-go/pkg/log"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

var ESClient *elasticsearch.Client

// InitES 初始化 Elasticsearch 客户端并确保消息索引存在。
func InitES(esCfg config.ElasticsearchConfig) error {
	cfg := elasticsearch.Config{
		Addresses: []string{esCfg.Addresses},
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return err
	}
	ESClient = client
	return createIndexIfNotExists(client, esCfg.IndexName)
}

const messageMapping = `{
	"mappings": {
		"properties": {
			"doc_id": { "type": "keyword" },
			"chat_id": { "type": "long" },
			"client_id": { "type": "keyword" },
			"message_id": { "type": "long" },
			"stream_id": { "type": "keyword" },
			"prompt": { "type": "text", "analyzer": "standard" },
			"answer": { "type": "text", "analyzer": "standard" },
			"model_key": { "type": "keyword" },
			"created_at": { "type": "date" }
		}
	}
}`

// createIndexIfNotExists 检查索引是否存在，如果不存在则创建它
func createIndexIfNotExists(client *elasticsearch.Client, indexName string) error {
	res, err := client.Indices.Exists([]string{indexName})
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	res, err = client.Indices.Create(indexName, client.Indices.Create.WithBody(strings.NewReader(messageMapping)))
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", indexName, err)
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", indexName, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", indexName)
	return nil
}

// MessageIndex 是聊天消息的全文索引。
type MessageIndex struct {
	client *elasticsearch.Client
	index  string
}

// NewMessageIndex 创建绑定到 index 的消息索引。
func NewMessageIndex(client *elasticsearch.Client, index string) *MessageIndex {
	return &MessageIndex{client: client, index: index}
}

// Index 写入（或覆盖）一轮对话文档。
func (m *MessageIndex) Index(ctx context.Context, doc model.MessageDocument) error {
	docBytes, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	req := esapi.IndexRequest{
		Index:      m.index,
		DocumentID: doc.DocID,
		Body:       bytes.NewReader(docBytes),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, m.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("索引文档到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to index document")
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Score     float64               `json:"_score"`
			Source    model.MessageDocument `json:"_source"`
			Highlight map[string][]string   `json:"highlight"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search 在给定聊天范围内检索，chatIDs 为空时直接返回空结果。
func (m *MessageIndex) Search(ctx context.Context, query string, chatIDs []uint, size int) ([]model.MessageSearchHit, error) {
	if len(chatIDs) == 0 {
		return []model.MessageSearchHit{}, nil
	}
	esQuery := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": map[string]interface{}{
					"multi_match": map[string]interface{}{
						"query":  query,
						"fields": []string{"prompt^2", "answer"},
					},
				},
				"filter": map[string]interface{}{
					"terms": map[string]interface{}{"chat_id": chatIDs},
				},
			},
		},
		"highlight": map[string]interface{}{
			"fields": map[string]interface{}{"prompt": map[string]interface{}{}, "answer": map[string]interface{}{}},
		},
		"size": size,
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("failed to encode search query: %w", err)
	}

	res, err := m.client.Search(
		m.client.Search.WithContext(ctx),
		m.client.Search.WithIndex(m.index),
		m.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned error: %s", res.String())
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	hits := make([]model.MessageSearchHit, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		var highlight []string
		for _, frags := range h.Highlight {
			highlight = append(highlight, frags...)
		}
		hits = append(hits, model.MessageSearchHit{
			ChatID:    h.Source.ChatID,
			ClientID:  h.Source.ClientID,
			MessageID: h.Source.MessageID,
			Prompt:    h.Source.Prompt,
			Answer:    h.Source.Answer,
			ModelKey:  h.Source.ModelKey,
			Score:     h.Score,
			Highlight: highlight,
		})
	}
	return hits, nil
}
