package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/yairfalse/posture/pkg/compliance"
	"github.com/yairfalse/posture/pkg/resource"
)

// DynamoDBAPI defines the DynamoDB operations used by the store.
type DynamoDBAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Attribute names
const (
	attrKind   = "kind"
	attrKey    = "resource_key"
	attrData   = "data"
	attrRuleID = "rule_id"
	attrSort   = "ts"
	attrStatus = "status"
	attrScanID = "scan_id"
	attrSeenAt = "discovered_at"
)

// DynamoDBConfig names the two tables.
type DynamoDBConfig struct {
	InventoryTable string
	ResultsTable   string
	// CreateWait bounds how long EnsureSchema waits for new tables to become active.
	CreateWait time.Duration
	// PollInterval is the first delay between table status checks.
	PollInterval time.Duration
}

// DynamoDBStore keeps the inventory and the result history in DynamoDB.
//
// Inventory items are keyed (kind, resource_key) so a put overwrites.
// Result items are keyed (rule_id, ts) where ts is a zero padded
// nanosecond timestamp plus a random suffix, and every put is conditional
// on the item not existing.
type DynamoDBStore struct {
	client DynamoDBAPI
	cfg    DynamoDBConfig
	newID  func() string
}

// NewDynamoDBStore creates a store over client.
func NewDynamoDBStore(client DynamoDBAPI, cfg DynamoDBConfig) *DynamoDBStore {
	if cfg.CreateWait <= 0 {
		cfg.CreateWait = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &DynamoDBStore{client: client, cfg: cfg, newID: uuid.NewString}
}

// EnsureSchema creates both tables when they do not exist yet.
func (s *DynamoDBStore) EnsureSchema(ctx context.Context) error {
	tables := []struct {
		name      string
		hash, rng string
	}{
		{s.cfg.InventoryTable, attrKind, attrKey},
		{s.cfg.ResultsTable, attrRuleID, attrSort},
	}
	for _, t := range tables {
		if err := s.ensureTable(ctx, t.name, t.hash, t.rng); err != nil {
			return fmt.Errorf("%w: table %s: %v", ErrSchema, t.name, err)
		}
	}
	return nil
}

// ensureTable creates the table when missing and waits until it is active,
// including when it is already being created elsewhere.
func (s *DynamoDBStore) ensureTable(ctx context.Context, name, hash, rng string) error {
	out, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
	switch {
	case err == nil:
		if out.Table == nil || out.Table.TableStatus != types.TableStatusCreating {
			return nil
		}
	case !isResourceNotFound(err):
		return fmt.Errorf("describe table: %w", err)
	default:
		if err := s.createTable(ctx, name, hash, rng); err != nil {
			return err
		}
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client, func(o *dynamodb.TableExistsWaiterOptions) {
		o.MinDelay = s.cfg.PollInterval
	})
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)}, s.cfg.CreateWait); err != nil {
		return fmt.Errorf("wait for table: %w", err)
	}
	return nil
}

// createTable treats a concurrent creation of the same table as success.
func (s *DynamoDBStore) createTable(ctx context.Context, name, hash, rng string) error {
	_, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(name),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(hash), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(rng), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(hash), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(rng), KeyType: types.KeyTypeRange},
		},
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("create table: %w", err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources.
func (s *DynamoDBStore) Close() error {
	return nil
}

// UpsertCurrent puts the record, replacing any item with the same key.
func (s *DynamoDBStore) UpsertCurrent(ctx context.Context, kind resource.Kind, key string, record resource.Record) error {
	if err := validateUpsert(kind, key, record); err != nil {
		return err
	}
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.cfg.InventoryTable),
		Item: map[string]types.AttributeValue{
			attrKind:   &types.AttributeValueMemberS{Value: string(kind)},
			attrKey:    &types.AttributeValueMemberS{Value: key},
			attrData:   &types.AttributeValueMemberS{Value: string(data)},
			attrSeenAt: &types.AttributeValueMemberS{Value: record.ObservedAt().UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return fmt.Errorf("put %s %s: %w", kind, key, err)
	}
	return nil
}

// ListCurrent queries every item of kind. A missing table reads as empty.
func (s *DynamoDBStore) ListCurrent(ctx context.Context, kind resource.Kind) ([]resource.Record, error) {
	items, err := s.query(ctx, &dynamodb.QueryInput{
		TableName:                aws.String(s.cfg.InventoryTable),
		KeyConditionExpression:   aws.String("#k = :k"),
		ExpressionAttributeNames: map[string]string{"#k": attrKind},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":k": &types.AttributeValueMemberS{Value: string(kind)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list current %s: %w", kind, err)
	}

	records := make([]resource.Record, 0, len(items))
	for _, item := range items {
		rec, err := resource.Decode(kind, []byte(stringAttr(item, attrData)))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key() < records[j].Key() })
	return records, nil
}

// AppendResult puts the result under a fresh sort key. It never overwrites.
func (s *DynamoDBStore) AppendResult(ctx context.Context, result compliance.CheckResult) error {
	if result.RuleID == "" {
		return errors.New("append result: empty rule id")
	}
	data, err := encodeResult(result)
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.cfg.ResultsTable),
		Item: map[string]types.AttributeValue{
			attrRuleID: &types.AttributeValueMemberS{Value: result.RuleID},
			attrSort:   &types.AttributeValueMemberS{Value: s.sortKey(result.Timestamp)},
			attrStatus: &types.AttributeValueMemberS{Value: string(result.Status)},
			attrScanID: &types.AttributeValueMemberS{Value: result.ScanID},
			attrData:   &types.AttributeValueMemberS{Value: string(data)},
		},
		ConditionExpression:      aws.String("attribute_not_exists(#r)"),
		ExpressionAttributeNames: map[string]string{"#r": attrRuleID},
	})
	if err != nil {
		return fmt.Errorf("append result %s: %w", result.RuleID, err)
	}
	return nil
}

// ListResults returns results newest first. With a rule id it queries that
// partition in reverse; without one it scans the table.
func (s *DynamoDBStore) ListResults(ctx context.Context, ruleID string) ([]compliance.CheckResult, error) {
	var (
		items []map[string]types.AttributeValue
		err   error
	)
	if ruleID != "" {
		items, err = s.query(ctx, &dynamodb.QueryInput{
			TableName:                aws.String(s.cfg.ResultsTable),
			KeyConditionExpression:   aws.String("#r = :r"),
			ExpressionAttributeNames: map[string]string{"#r": attrRuleID},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":r": &types.AttributeValueMemberS{Value: ruleID},
			},
			ScanIndexForward: aws.Bool(false),
		})
	} else {
		items, err = s.scan(ctx, s.cfg.ResultsTable)
	}
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}

	results := make([]compliance.CheckResult, 0, len(items))
	for _, item := range items {
		r, err := decodeResult([]byte(stringAttr(item, attrData)))
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	sortNewestFirst(results)
	return results, nil
}

func (s *DynamoDBStore) sortKey(at time.Time) string {
	return fmt.Sprintf("%020d#%s", at.UnixNano(), s.newID())
}

func (s *DynamoDBStore) query(ctx context.Context, in *dynamodb.QueryInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, in)
		if err != nil {
			if isResourceNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *DynamoDBStore) scan(ctx context.Context, table string) ([]map[string]types.AttributeValue, error) {
	in := &dynamodb.ScanInput{TableName: aws.String(table)}
	var items []map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, in)
		if err != nil {
			if isResourceNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func isResourceNotFound(err error) bool {
	var rnf *types.ResourceNotFoundException
	return errors.As(err, &rnf)
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}
