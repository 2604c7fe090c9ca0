// Package dynamo implements the pool store on a single DynamoDB table.
// All coordination between broker replicas happens through conditional
// writes on (sandbox_id, version); the process itself holds no locks.
//
// Table layout:
//
//	PK            sandbox_id (S)
//	GSI           status-index: status (S) HASH, allocated_at (N) RANGE
//
// allocated_at is stored on every row (zero when idle) so the status
// index covers the whole pool.
package dynamo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"miren.dev/broker/pool"
	"miren.dev/broker/store"
)

const (
	// statusIndex is the GSI used for candidate queries, the track
	// probe, and filtered admin listings.
	statusIndex = "status-index"

	defaultOpTimeout = 5 * time.Second
)

// Options configures the DynamoDB store.
type Options struct {
	// Table is the table name. Required.
	Table string

	// Region is the AWS region. Required unless Endpoint points at a
	// local instance.
	Region string

	// Endpoint overrides the service URL, for dynamodb-local.
	Endpoint string

	// AccessKeyID and SecretAccessKey force static credentials. When
	// empty the default AWS chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// OpTimeout bounds every individual call. Defaults to 5s.
	OpTimeout time.Duration
}

// Store is a DynamoDB-backed pool store.
type Store struct {
	log       *slog.Logger
	client    *dynamodb.Client
	table     string
	opTimeout time.Duration
}

var _ store.Store = (*Store)(nil)

// New builds the SDK client and wraps it in a Store. It does not touch
// the table; call EnsureTable for that.
func New(ctx context.Context, log *slog.Logger, opts Options) (*Store, error) {
	if opts.Table == "" {
		return nil, errors.New("dynamo: table name required")
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})

	opTimeout := opts.OpTimeout
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}

	return &Store{
		log:       log.With("component", "dynamo-store"),
		client:    client,
		table:     opts.Table,
		opTimeout: opTimeout,
	}, nil
}

// NewWithClient wires an existing client, for tests against
// dynamodb-local.
func NewWithClient(log *slog.Logger, client *dynamodb.Client, table string) *Store {
	return &Store{
		log:       log.With("component", "dynamo-store"),
		client:    client,
		table:     table,
		opTimeout: defaultOpTimeout,
	}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *Store) Get(ctx context.Context, sandboxID string) (*pool.Sandbox, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyFor(sandboxID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, unavailable("get", err)
	}
	if out.Item == nil {
		return nil, store.ErrNotFound
	}
	return unmarshalItem(out.Item)
}

func (s *Store) PutIfAbsent(ctx context.Context, sb *pool.Sandbox) error {
	if err := sb.Validate(); err != nil {
		return err
	}

	item, err := attributevalue.MarshalMap(sb)
	if err != nil {
		return fmt.Errorf("failed to marshal sandbox: %w", err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(sandbox_id)"),
	})
	if err != nil {
		if isConditionalFailure(err) {
			return store.ErrAlreadyExists
		}
		return unavailable("put", err)
	}
	return nil
}

func (s *Store) UpdateIf(ctx context.Context, sandboxID string, version int64, patch store.Patch) (*pool.Sandbox, error) {
	if err := patch.Check(); err != nil {
		return nil, err
	}

	expr := newUpdateExpr(version, patch)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       keyFor(sandboxID),
		UpdateExpression:          aws.String(expr.update),
		ConditionExpression:       aws.String(expr.condition),
		ExpressionAttributeNames:  expr.names,
		ExpressionAttributeValues: expr.values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionalFailure(err) {
			return nil, s.classifyConflict(ctx, sandboxID)
		}
		return nil, unavailable("update", err)
	}
	return unmarshalItem(out.Attributes)
}

func (s *Store) DeleteIf(ctx context.Context, sandboxID string, version int64) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.table),
		Key:                 keyFor(sandboxID),
		ConditionExpression: aws.String("attribute_exists(sandbox_id) AND #version = :ver"),
		ExpressionAttributeNames: map[string]string{
			"#version": "version",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ver": numberAttr(version),
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			return s.classifyConflict(ctx, sandboxID)
		}
		return unavailable("delete", err)
	}
	return nil
}

func (s *Store) ScanByStatus(ctx context.Context, status pool.Status, limit int) ([]*pool.Sandbox, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(statusIndex),
		KeyConditionExpression: aws.String("#status = :status"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
		},
		ScanIndexForward: aws.Bool(true),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	var items []map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, in)
		if err != nil {
			return nil, unavailable("query", err)
		}
		items = append(items, out.Items...)
		if limit > 0 && len(items) >= limit {
			items = items[:limit]
			break
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}

	return unmarshalItems(items)
}

func (s *Store) FindByTrack(ctx context.Context, trackID string) (*pool.Sandbox, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// The track probe only ever matches allocated rows, so it walks
	// the allocated partition of the status index with a filter.
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(statusIndex),
		KeyConditionExpression: aws.String("#status = :status"),
		FilterExpression:       aws.String("allocated_to_track = :track"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(pool.StatusAllocated)},
			":track":  &types.AttributeValueMemberS{Value: trackID},
		},
	}

	for {
		out, err := s.client.Query(ctx, in)
		if err != nil {
			return nil, unavailable("query", err)
		}
		if len(out.Items) > 0 {
			return unmarshalItem(out.Items[0])
		}
		if out.LastEvaluatedKey == nil {
			return nil, store.ErrNotFound
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *Store) Scan(ctx context.Context, status *pool.Status, cursor string, limit int) (*store.Page, error) {
	startKey, err := decodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrBadCursor, err)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		items   []map[string]types.AttributeValue
		lastKey map[string]types.AttributeValue
	)

	if status != nil {
		in := &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			IndexName:              aws.String(statusIndex),
			KeyConditionExpression: aws.String("#status = :status"),
			ExpressionAttributeNames: map[string]string{
				"#status": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":status": &types.AttributeValueMemberS{Value: string(*status)},
			},
			ScanIndexForward:  aws.Bool(true),
			ExclusiveStartKey: startKey,
		}
		if limit > 0 {
			in.Limit = aws.Int32(int32(limit))
		}
		out, err := s.client.Query(ctx, in)
		if err != nil {
			return nil, unavailable("query", err)
		}
		items, lastKey = out.Items, out.LastEvaluatedKey
	} else {
		in := &dynamodb.ScanInput{
			TableName:         aws.String(s.table),
			ExclusiveStartKey: startKey,
		}
		if limit > 0 {
			in.Limit = aws.Int32(int32(limit))
		}
		out, err := s.client.Scan(ctx, in)
		if err != nil {
			return nil, unavailable("scan", err)
		}
		items, lastKey = out.Items, out.LastEvaluatedKey
	}

	rows, err := unmarshalItems(items)
	if err != nil {
		return nil, err
	}

	page := &store.Page{Items: rows}
	if lastKey != nil {
		page.Cursor, err = encodeCursor(lastKey)
		if err != nil {
			return nil, err
		}
	}
	return page, nil
}

func (s *Store) CountByStatus(ctx context.Context) (store.Counts, error) {
	counts := make(store.Counts, len(pool.Statuses))
	for _, st := range pool.Statuses {
		n, err := s.countOne(ctx, st)
		if err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, nil
}

func (s *Store) countOne(ctx context.Context, status pool.Status) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(statusIndex),
		KeyConditionExpression: aws.String("#status = :status"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
		},
		Select: types.SelectCount,
	}

	total := 0
	for {
		out, err := s.client.Query(ctx, in)
		if err != nil {
			return 0, unavailable("count", err)
		}
		total += int(out.Count)
		if out.LastEvaluatedKey == nil {
			return total, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err != nil {
		return unavailable("describe", err)
	}
	return nil
}

// classifyConflict distinguishes a lost race from a vanished row after
// a conditional write fails: re-get and report what is actually there.
func (s *Store) classifyConflict(ctx context.Context, sandboxID string) error {
	_, err := s.Get(ctx, sandboxID)
	if errors.Is(err, store.ErrNotFound) {
		return store.ErrNotFound
	}
	return store.ErrVersionConflict
}

// updateExpr is a hand-built UpdateItem expression. Only the fields
// present in the patch are touched; version always bumps by one.
type updateExpr struct {
	update    string
	condition string
	names     map[string]string
	values    map[string]types.AttributeValue
}

func newUpdateExpr(version int64, patch store.Patch) updateExpr {
	sets := []string{"#version = :newver"}
	var removes []string
	names := map[string]string{"#version": "version"}
	values := map[string]types.AttributeValue{
		":ver":    numberAttr(version),
		":newver": numberAttr(version + 1),
	}

	if patch.Status != nil {
		names["#status"] = "status"
		sets = append(sets, "#status = :status")
		values[":status"] = &types.AttributeValueMemberS{Value: string(*patch.Status)}
	}
	if patch.Name != nil {
		names["#name"] = "name"
		sets = append(sets, "#name = :name")
		values[":name"] = &types.AttributeValueMemberS{Value: *patch.Name}
	}
	if patch.AllocatedToTrack != nil {
		if *patch.AllocatedToTrack == "" {
			removes = append(removes, "allocated_to_track")
		} else {
			sets = append(sets, "allocated_to_track = :track")
			values[":track"] = &types.AttributeValueMemberS{Value: *patch.AllocatedToTrack}
		}
	}
	if patch.AllocatedAt != nil {
		sets = append(sets, "allocated_at = :aat")
		values[":aat"] = numberAttr(*patch.AllocatedAt)
	}
	if patch.ExpiresAt != nil {
		sets = append(sets, "expires_at = :exp")
		values[":exp"] = numberAttr(*patch.ExpiresAt)
	}
	if patch.DeletionRequestedAt != nil {
		sets = append(sets, "deletion_requested_at = :dra")
		values[":dra"] = numberAttr(*patch.DeletionRequestedAt)
	}
	if patch.LastSeenAt != nil {
		sets = append(sets, "last_seen_at = :seen")
		values[":seen"] = numberAttr(*patch.LastSeenAt)
	}

	update := "SET " + strings.Join(sets, ", ")
	if len(removes) > 0 {
		update += " REMOVE " + strings.Join(removes, ", ")
	}

	condition := "attribute_exists(sandbox_id) AND #version = :ver"
	if patch.ExpectStatus != nil {
		names["#status"] = "status"
		condition += " AND #status = :expstatus"
		values[":expstatus"] = &types.AttributeValueMemberS{Value: string(*patch.ExpectStatus)}
	}

	return updateExpr{update: update, condition: condition, names: names, values: values}
}

// cursorKey is the JSON shape of a pagination cursor. It carries the
// table key plus the index keys when the page came from the GSI.
type cursorKey struct {
	SandboxID   string `json:"sid"`
	Status      string `json:"st,omitempty"`
	AllocatedAt *int64 `json:"aat,omitempty"`
}

func encodeCursor(lastKey map[string]types.AttributeValue) (string, error) {
	var ck cursorKey

	if v, ok := lastKey["sandbox_id"].(*types.AttributeValueMemberS); ok {
		ck.SandboxID = v.Value
	} else {
		return "", fmt.Errorf("unexpected last evaluated key shape: %v", lastKey)
	}
	if v, ok := lastKey["status"].(*types.AttributeValueMemberS); ok {
		ck.Status = v.Value
	}
	if v, ok := lastKey["allocated_at"].(*types.AttributeValueMemberN); ok {
		n, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return "", fmt.Errorf("bad allocated_at in key: %w", err)
		}
		ck.AllocatedAt = &n
	}

	raw, err := json.Marshal(ck)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeCursor(cursor string) (map[string]types.AttributeValue, error) {
	if cursor == "" {
		return nil, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, err
	}
	var ck cursorKey
	if err := json.Unmarshal(raw, &ck); err != nil {
		return nil, err
	}
	if ck.SandboxID == "" {
		return nil, errors.New("cursor missing sandbox id")
	}

	key := map[string]types.AttributeValue{
		"sandbox_id": &types.AttributeValueMemberS{Value: ck.SandboxID},
	}
	if ck.Status != "" {
		key["status"] = &types.AttributeValueMemberS{Value: ck.Status}
	}
	if ck.AllocatedAt != nil {
		key["allocated_at"] = numberAttr(*ck.AllocatedAt)
	}
	return key, nil
}

func keyFor(sandboxID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"sandbox_id": &types.AttributeValueMemberS{Value: sandboxID},
	}
}

func numberAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func unmarshalItem(item map[string]types.AttributeValue) (*pool.Sandbox, error) {
	var sb pool.Sandbox
	if err := attributevalue.UnmarshalMap(item, &sb); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sandbox: %w", err)
	}
	return &sb, nil
}

func unmarshalItems(items []map[string]types.AttributeValue) ([]*pool.Sandbox, error) {
	out := make([]*pool.Sandbox, 0, len(items))
	for _, item := range items {
		sb, err := unmarshalItem(item)
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	return out, nil
}

func isConditionalFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// unavailable wraps raw SDK failures so handlers can map them to 503
// without knowing SDK error types. When the failure carries a service
// error code (throttling, internal error) the code replaces the SDK's
// full operation chain in the message.
func unavailable(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %s: %s: %s", store.ErrUnavailable, op, apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return fmt.Errorf("%w: %s: %v", store.ErrUnavailable, op, err)
}
