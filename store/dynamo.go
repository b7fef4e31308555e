package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/docsync/internal/keys"
)

// DynamoConfig configures the DynamoDB backend.
type DynamoConfig struct {
	// Table is the records table name. It must have a string partition
	// key "pk" and a string sort key "sk".
	// Default: "docsync_records"
	Table string

	// RequestTimeout bounds every backend call. A call that exceeds it
	// fails with ErrUnavailable; the write is considered not-applied.
	// Default: 5s
	RequestTimeout time.Duration
}

// validate ensures config values are within acceptable bounds.
func (c *DynamoConfig) validate() {
	if c.Table == "" {
		c.Table = "docsync_records"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
}

// DynamoBackend stores records in a single DynamoDB table, one partition
// per document. It is the only backend safe for multiple concurrent
// writer processes: Create and CompareAndSet use conditional writes, so
// of all concurrent writers targeting one key exactly one commits and
// the rest see ErrConflict.
type DynamoBackend struct {
	client *dynamodb.Client
	config DynamoConfig
}

// NewDynamoBackend creates a backend over an existing DynamoDB client.
func NewDynamoBackend(client *dynamodb.Client, config DynamoConfig) *DynamoBackend {
	config.validate()
	return &DynamoBackend{client: client, config: config}
}

// Get implements Backend.
func (d *DynamoBackend) Get(ctx context.Context, typeName, docID, id string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.RequestTimeout)
	defer cancel()

	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.config.Table),
		Key:       d.key(typeName, docID, id),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrUnavailable, err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}
	return d.unmarshalItem(result.Item)
}

// List implements Backend.
func (d *DynamoBackend) List(ctx context.Context, docID, typeName string) ([]*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.RequestTimeout)
	defer cancel()

	keyCond := "pk = :pk"
	exprValues := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: keys.PartitionKey(docID)},
	}
	if typeName != "" {
		keyCond += " AND begins_with(sk, :skprefix)"
		exprValues[":skprefix"] = &types.AttributeValueMemberS{
			Value: keys.TypeSortPrefix(typeName),
		}
	}

	var out []*Record
	paginator := dynamodb.NewQueryPaginator(d.client, &dynamodb.QueryInput{
		TableName:                 aws.String(d.config.Table),
		KeyConditionExpression:    aws.String(keyCond),
		ExpressionAttributeValues: exprValues,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: list: %v", ErrUnavailable, err)
		}
		for _, raw := range page.Items {
			rec, err := d.unmarshalItem(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// Create implements Backend. The conditional Put is the watch-then-write
// idiom collapsed into one round trip: DynamoDB evaluates the existence
// condition and the write atomically.
func (d *DynamoBackend) Create(ctx context.Context, rec *Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	if err := keys.Validate(rec.TypeName, rec.DocID, rec.ID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.RequestTimeout)
	defer cancel()

	item, err := d.marshalRecord(rec, 1)
	if err != nil {
		return err
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.config.Table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConflict
		}
		return fmt.Errorf("%w: create: %v", ErrUnavailable, err)
	}
	rec.Version = 1
	return nil
}

// Update implements Backend. The upsert is last-writer-wins; the version
// counter is bumped server-side so concurrent updates never produce
// duplicate versions.
func (d *DynamoBackend) Update(ctx context.Context, rec *Record) error {
	return d.updateItem(ctx, rec, "", nil)
}

// CompareAndSet implements Backend.
func (d *DynamoBackend) CompareAndSet(ctx context.Context, rec *Record, expectedVersion int64) error {
	return d.updateItem(ctx, rec, "#version = :expected", map[string]types.AttributeValue{
		":expected": &types.AttributeValueMemberN{
			Value: strconv.FormatInt(expectedVersion, 10),
		},
	})
}

func (d *DynamoBackend) updateItem(ctx context.Context, rec *Record, condition string, condValues map[string]types.AttributeValue) error {
	if err := rec.validate(); err != nil {
		return err
	}
	if err := keys.Validate(rec.TypeName, rec.DocID, rec.ID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.RequestTimeout)
	defer cancel()

	attrs, err := attributevalue.MarshalMap(rec.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)

	exprValues := map[string]types.AttributeValue{
		":doc":   &types.AttributeValueMemberS{Value: rec.DocID},
		":type":  &types.AttributeValueMemberS{Value: rec.TypeName},
		":id":    &types.AttributeValueMemberS{Value: rec.ID},
		":attrs": &types.AttributeValueMemberM{Value: attrs},
		":now":   &types.AttributeValueMemberS{Value: now},
		":zero":  &types.AttributeValueMemberN{Value: "0"},
		":one":   &types.AttributeValueMemberN{Value: "1"},
	}
	for k, v := range condValues {
		exprValues[k] = v
	}

	// Attribute names go through placeholders; several of them collide
	// with DynamoDB reserved words.
	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(d.config.Table),
		Key:       d.key(rec.TypeName, rec.DocID, rec.ID),
		UpdateExpression: aws.String(
			"SET doc_id = :doc, type_name = :type, #id = :id, #attributes = :attrs, " +
				"updated_at = :now, created_at = if_not_exists(created_at, :now), " +
				"#version = if_not_exists(#version, :zero) + :one",
		),
		ExpressionAttributeNames: map[string]string{
			"#id":         "id",
			"#attributes": "attributes",
			"#version":    "version",
		},
		ExpressionAttributeValues: exprValues,
		ReturnValues:              types.ReturnValueAllNew,
	}
	if condition != "" {
		input.ConditionExpression = aws.String(condition)
	}

	result, err := d.client.UpdateItem(ctx, input)
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConflict
		}
		return fmt.Errorf("%w: update: %v", ErrUnavailable, err)
	}

	if v, ok := result.Attributes["version"].(*types.AttributeValueMemberN); ok {
		rec.Version, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	return nil
}

// Delete implements Backend. DeleteItem on an absent key succeeds, which
// gives idempotent deletes for free.
func (d *DynamoBackend) Delete(ctx context.Context, typeName, docID, id string) error {
	ctx, cancel := context.WithTimeout(ctx, d.config.RequestTimeout)
	defer cancel()

	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.config.Table),
		Key:       d.key(typeName, docID, id),
	})
	if err != nil {
		return fmt.Errorf("%w: delete: %v", ErrUnavailable, err)
	}
	return nil
}

// Close implements Backend. The DynamoDB client holds no local state.
func (d *DynamoBackend) Close() error {
	return nil
}

func (d *DynamoBackend) key(typeName, docID, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: keys.PartitionKey(docID)},
		"sk": &types.AttributeValueMemberS{Value: keys.SortKey(typeName, id)},
	}
}

func (d *DynamoBackend) marshalRecord(rec *Record, version int64) (map[string]types.AttributeValue, error) {
	attrs, err := attributevalue.MarshalMap(rec.Attributes)
	if err != nil {
		return nil, fmt.Errorf("marshal attributes: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)

	return map[string]types.AttributeValue{
		"pk":         &types.AttributeValueMemberS{Value: keys.PartitionKey(rec.DocID)},
		"sk":         &types.AttributeValueMemberS{Value: keys.SortKey(rec.TypeName, rec.ID)},
		"doc_id":     &types.AttributeValueMemberS{Value: rec.DocID},
		"type_name":  &types.AttributeValueMemberS{Value: rec.TypeName},
		"id":         &types.AttributeValueMemberS{Value: rec.ID},
		"attributes": &types.AttributeValueMemberM{Value: attrs},
		"version":    &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
		"created_at": &types.AttributeValueMemberS{Value: now},
		"updated_at": &types.AttributeValueMemberS{Value: now},
	}, nil
}

func (d *DynamoBackend) unmarshalItem(raw map[string]types.AttributeValue) (*Record, error) {
	rec := &Record{Attributes: map[string]any{}}

	if v, ok := raw["doc_id"].(*types.AttributeValueMemberS); ok {
		rec.DocID = v.Value
	}
	if v, ok := raw["type_name"].(*types.AttributeValueMemberS); ok {
		rec.TypeName = v.Value
	}
	if v, ok := raw["id"].(*types.AttributeValueMemberS); ok {
		rec.ID = v.Value
	}
	if v, ok := raw["version"].(*types.AttributeValueMemberN); ok {
		rec.Version, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	if v, ok := raw["attributes"].(*types.AttributeValueMemberM); ok {
		if err := attributevalue.UnmarshalMap(v.Value, &rec.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	return rec, nil
}
