// Package stream prunes documents in response to DynamoDB Streams
// events, so orphan cleanup runs without any worker process scheduling
// it. It is designed to be deployed as an AWS Lambda handler on the
// records table's stream.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/docsync/protocol"
	"github.com/jacentio/docsync/prune"
	"github.com/jacentio/docsync/store"
)

// Handler turns record removals into reachability sweeps of the
// affected documents.
type Handler struct {
	docs   protocol.Documents
	pruner *prune.Pruner
	logger *slog.Logger
}

// NewHandler creates a stream handler.
func NewHandler(backend store.Backend, docs protocol.Documents, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		docs:   docs,
		pruner: prune.New(backend, logger),
		logger: logger,
	}
}

// HandlePruneEvents processes a batch of stream records. Each REMOVE may
// have cut other records loose from the document's root, so every
// affected document gets one sweep per batch. Errors are returned so
// Lambda retries the batch; sweeps are idempotent.
func (h *Handler) HandlePruneEvents(ctx context.Context, event events.DynamoDBEvent) error {
	seen := make(map[string]struct{})
	var docIDs []string

	for _, record := range event.Records {
		if record.EventName != "REMOVE" {
			continue
		}
		docID := getStringAttr(record.Change.OldImage, "doc_id")
		if docID == "" {
			continue
		}
		if _, ok := seen[docID]; ok {
			continue
		}
		seen[docID] = struct{}{}
		docIDs = append(docIDs, docID)
	}

	for _, docID := range docIDs {
		doc, err := h.docs.Lookup(ctx, docID)
		if errors.Is(err, protocol.ErrUnknownDocument) {
			// The document itself is gone; nothing left to anchor a
			// sweep to.
			h.logger.Info("skipping prune for deleted document", "docID", docID)
			continue
		}
		if err != nil {
			return fmt.Errorf("lookup document %s: %w", docID, err)
		}

		deleted, err := h.pruner.Prune(ctx, docID, doc.Root)
		if err != nil {
			return fmt.Errorf("prune document %s: %w", docID, err)
		}
		h.logger.Info("stream-triggered prune completed",
			"docID", docID,
			"deleted", deleted,
		)
	}
	return nil
}

// getStringAttr extracts a string attribute from a stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}
