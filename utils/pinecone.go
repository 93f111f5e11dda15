package utils

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/Perceptus-Labs/perceptus-live/models"
	"github.com/pinecone-io/go-pinecone/pinecone"
	"go.uber.org/zap"
)

const (
	DefaultNamespacePrefix = "perceptus-"
	DefaultPollInterval    = 10 * time.Second
)

// IndexStatsReader is the part of a Pinecone index connection the catalog
// reads.
type IndexStatsReader interface {
	DescribeIndexStats(ctx context.Context) (*pinecone.DescribeIndexStatsResponse, error)
}

// PineconeCatalog treats every namespace of an index that carries the prefix
// as one document. A document is ready once its namespace holds vectors.
type PineconeCatalog struct {
	StoreID      string
	Prefix       string
	PollInterval time.Duration

	index  IndexStatsReader
	clock  Clock
	logger *zap.Logger
}

func NewPineconeCatalog(storeID string, index IndexStatsReader, clock Clock, logger *zap.Logger) *PineconeCatalog {
	return &PineconeCatalog{
		StoreID:      storeID,
		Prefix:       DefaultNamespacePrefix,
		PollInterval: DefaultPollInterval,
		index:        index,
		clock:        clock,
		logger:       logger.With(zap.String("component", "pinecone_catalog")),
	}
}

// ConnectPineconeIndex opens a connection to the named index.
func ConnectPineconeIndex(ctx context.Context, apiKey, indexName string) (*pinecone.IndexConnection, error) {
	if indexName == "" {
		return nil, errors.New("pinecone index name is not set")
	}
	if apiKey == "" {
		return nil, errors.New("pinecone api key is not set")
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create Pinecone client: %w", err)
	}

	idx, err := client.DescribeIndex(ctx, indexName)
	if err != nil {
		return nil, fmt.Errorf("failed to describe index %q: %w", indexName, err)
	}

	conn, err := client.Index(pinecone.NewIndexConnParams{Host: idx.Host})
	if err != nil {
		return nil, fmt.Errorf("failed to create IndexConnection for Host %v: %w", idx.Host, err)
	}
	return conn, nil
}

func (c *PineconeCatalog) Snapshot(ctx context.Context) (models.KnowledgeBase, error) {
	stats, err := c.index.DescribeIndexStats(ctx)
	if err != nil {
		return models.KnowledgeBase{}, fmt.Errorf("failed to describe index stats: %w", err)
	}

	kb := models.KnowledgeBase{StoreID: c.StoreID}
	for ns, summary := range stats.Namespaces {
		id, ok := strings.CutPrefix(ns, c.Prefix)
		if !ok || id == "" {
			continue
		}
		state := models.DocumentStateProcessing
		if summary != nil && summary.VectorCount > 0 {
			state = models.DocumentStateReady
		}
		kb.Documents = append(kb.Documents, models.Document{ID: id, State: state})
	}
	sort.Slice(kb.Documents, func(i, j int) bool { return kb.Documents[i].ID < kb.Documents[j].ID })
	return kb, nil
}

// Watch polls the index and sends a snapshot whenever the documents change.
// The first successful poll is always sent.
func (c *PineconeCatalog) Watch(ctx context.Context) (<-chan models.KnowledgeBase, error) {
	out := make(chan models.KnowledgeBase, 1)
	var last *models.KnowledgeBase

	var poll func()
	poll = func() {
		if ctx.Err() != nil {
			close(out)
			return
		}
		kb, err := c.Snapshot(ctx)
		switch {
		case err != nil:
			c.logger.Warn("Failed to poll document catalog", zap.Error(err))
		case last == nil || !reflect.DeepEqual(*last, kb):
			last = &kb
			select {
			case out <- kb:
			case <-ctx.Done():
				close(out)
				return
			}
		}
		c.clock.AfterFunc(c.PollInterval, poll)
	}
	go poll()
	return out, nil
}
