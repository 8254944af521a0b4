package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/snapp-incubator/frl-proxy/internal/config"
)

// ElasticStorage is the audit Storage backend that indexes records into
// Elasticsearch, one daily index per calendar day of the record's timestamp.
type ElasticStorage struct {
	ES *elasticsearch.Client
}

// NewElastic builds an ElasticStorage from the audit.elasticsearch config.
func NewElastic(cfg config.Elasticsearch) (*ElasticStorage, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    cfg.Addresses,
		Username:     cfg.Username,
		Password:     cfg.Password,
		CloudID:      cfg.CloudID,
		APIKey:       cfg.APIKey,
		ServiceToken: cfg.ServiceToken,
	})
	if err != nil {
		return nil, fmt.Errorf("building elasticsearch client: %w", err)
	}
	return &ElasticStorage{ES: es}, nil
}

// Store indexes the record.
func (s *ElasticStorage) Store(l Log) error {
	b, err := json.Marshal(&l)
	if err != nil {
		return fmt.Errorf("failed to marshal audit log to JSON: %w", err)
	}
	r := esapi.IndexRequest{
		Index: fmt.Sprintf("frl-proxy-%d-%02d-%02d", l.Timestamp.Year(), l.Timestamp.Month(), l.Timestamp.Day()),
		Body:  bytes.NewReader(b),
	}

	res, err := r.Do(context.Background(), s.ES)
	if err != nil {
		return fmt.Errorf("indexing audit log: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.IsError() {
		return fmt.Errorf("elasticsearch returned error status: %s", res.Status())
	}
	return nil
}
