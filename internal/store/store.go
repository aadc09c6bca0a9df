// Package store is the scoped data client: every operation against the
// shared table runs under a per-request tenant credential minted by the
// broker, never under the service's own identity. Shard ownership and
// credential expiry are checked locally before any remote call is attempted;
// the remote store's own enforcement is the second line, not the first.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"shardgate/internal/broker"
	"shardgate/internal/fault"
	"shardgate/internal/policy"
	"shardgate/internal/tenant"
)

const (
	// ShardAttr is the shared table's partition key attribute.
	ShardAttr = "ShardID"
	// ProductAttr is the shared table's sort key attribute.
	ProductAttr = "ProductId"
	// DataAttr holds the JSON-encoded item payload.
	DataAttr = "data"

	maxBackoff = 2 * time.Second
)

// API is the subset of the DynamoDB client the store uses.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Item is one record of the shared table.
type Item struct {
	Shard     tenant.ShardKey `json:"shard_id"`
	ProductID string          `json:"product_id"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Option is a functional option for configuring a [Factory].
type Option func(*Options)

type Options struct {
	newAPI      func(ctx context.Context, region string, cred broker.Credential) (API, error)
	clock       func() time.Time
	maxAttempts int
	baseBackoff time.Duration
}

func newOptions() *Options {
	return &Options{
		clock:       time.Now,
		maxAttempts: 3,
		baseBackoff: 100 * time.Millisecond,
	}
}

// WithAPIFactory overrides how the per-request DynamoDB client is built
// from a scoped credential. Used in tests.
func WithAPIFactory(fn func(ctx context.Context, region string, cred broker.Credential) (API, error)) Option {
	return func(o *Options) { o.newAPI = fn }
}

// WithClock overrides the expiry clock. Used in tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) { o.clock = clock }
}

// Factory builds per-request scoped clients for one shared table. Construct
// once at startup; safe for concurrent use.
type Factory struct {
	tableName string
	region    string
	opts      *Options
}

func NewFactory(tableName, region string, opts ...Option) *Factory {
	options := newOptions()
	for _, o := range opts {
		o(options)
	}
	return &Factory{tableName: tableName, region: region, opts: options}
}

// Scoped wraps a minted credential in a data client. The client holds the
// credential for the remainder of the request only.
func (f *Factory) Scoped(ctx context.Context, cred broker.Credential) (*Client, error) {
	api, err := f.newAPI(ctx, cred)
	if err != nil {
		return nil, fault.New(fault.KindInternal, "store.Scoped", err)
	}
	return &Client{
		api:       api,
		tableName: f.tableName,
		cred:      cred,
		opts:      f.opts,
	}, nil
}

func (f *Factory) newAPI(ctx context.Context, cred broker.Credential) (API, error) {
	if f.opts.newAPI != nil {
		return f.opts.newAPI(ctx, f.region, cred)
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(f.region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cred.AccessKeyID,
			cred.SecretAccessKey,
			cred.SessionToken,
		)))
	if err != nil {
		return nil, err
	}
	return dynamodb.NewFromConfig(cfg), nil
}

// Client performs data operations under one scoped credential.
type Client struct {
	api       API
	tableName string
	cred      broker.Credential
	opts      *Options
}

// guard enforces, before any network round trip: the credential is not
// expired, the shard belongs to the credential's tenant, and the credential
// was minted for an operation class that covers this call. Violations are
// AccessDenied and fail closed.
func (c *Client) guard(op string, shard tenant.ShardKey, accepted ...policy.Op) error {
	if c.cred.Expired(c.opts.clock()) {
		return fault.Newf(fault.KindAccessDenied, op, "scoped credential expired at %s", c.cred.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if !c.cred.Policy.Tenant.Owns(shard) {
		return fault.Newf(fault.KindAccessDenied, op, "shard %q outside credential scope for tenant %q", shard, c.cred.Policy.Tenant)
	}
	for _, a := range accepted {
		if c.cred.Policy.Op == a {
			return nil
		}
	}
	return fault.Newf(fault.KindAccessDenied, op, "credential minted for %q cannot serve this operation", c.cred.Policy.Op)
}

// PutItem writes one item. Writes are never retried: without an idempotency
// key a repeat could double-apply, so failures surface to the caller.
func (c *Client) PutItem(ctx context.Context, item Item) error {
	const op = "store.PutItem"
	if err := c.guard(op, item.Shard, policy.OpWrite); err != nil {
		return err
	}
	attrs := map[string]dynamodbtypes.AttributeValue{
		ShardAttr:   &dynamodbtypes.AttributeValueMemberS{Value: string(item.Shard)},
		ProductAttr: &dynamodbtypes.AttributeValueMemberS{Value: item.ProductID},
	}
	if len(item.Data) > 0 {
		attrs[DataAttr] = &dynamodbtypes.AttributeValueMemberS{Value: string(item.Data)}
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      attrs,
	})
	if err != nil {
		return fault.New(classify(err), op, err)
	}
	return nil
}

// GetItem reads one item by full key. A miss is a valid empty result and
// returns (nil, nil).
func (c *Client) GetItem(ctx context.Context, shard tenant.ShardKey, productID string) (*Item, error) {
	const op = "store.GetItem"
	// GetItem is in both action sets, so either credential class serves it.
	if err := c.guard(op, shard, policy.OpRead, policy.OpWrite); err != nil {
		return nil, err
	}
	input := &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]dynamodbtypes.AttributeValue{
			ShardAttr:   &dynamodbtypes.AttributeValueMemberS{Value: string(shard)},
			ProductAttr: &dynamodbtypes.AttributeValueMemberS{Value: productID},
		},
	}
	var out *dynamodb.GetItemOutput
	err := c.withRetry(ctx, op, func() error {
		var err error
		out, err = c.api.GetItem(ctx, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	item := itemFrom(out.Item)
	return &item, nil
}

// DeleteItem removes one item. Like PutItem, never retried.
func (c *Client) DeleteItem(ctx context.Context, shard tenant.ShardKey, productID string) error {
	const op = "store.DeleteItem"
	if err := c.guard(op, shard, policy.OpWrite); err != nil {
		return err
	}
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]dynamodbtypes.AttributeValue{
			ShardAttr:   &dynamodbtypes.AttributeValueMemberS{Value: string(shard)},
			ProductAttr: &dynamodbtypes.AttributeValueMemberS{Value: productID},
		},
	})
	if err != nil {
		return fault.New(classify(err), op, err)
	}
	return nil
}

// QueryShard returns every item on one shard, following pagination.
func (c *Client) QueryShard(ctx context.Context, shard tenant.ShardKey) ([]Item, error) {
	const op = "store.QueryShard"
	if err := c.guard(op, shard, policy.OpRead); err != nil {
		return nil, err
	}
	input := &dynamodb.QueryInput{
		TableName: aws.String(c.tableName),
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":shard": &dynamodbtypes.AttributeValueMemberS{Value: string(shard)},
		},
		KeyConditionExpression: aws.String(ShardAttr + " = :shard"),
	}

	var items []Item
	for {
		if err := ctx.Err(); err != nil {
			return nil, fault.New(fault.KindTimeout, op, err)
		}
		var out *dynamodb.QueryOutput
		err := c.withRetry(ctx, op, func() error {
			var err error
			out, err = c.api.Query(ctx, input)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, raw := range out.Items {
			items = append(items, itemFrom(raw))
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return items, nil
}

// withRetry runs fn with a bounded backoff budget for throttling. Only read
// paths use it.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := c.opts.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= c.opts.maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		kind := classify(err)
		lastErr = fault.New(kind, op, err)
		if kind != fault.KindThrottled || attempt == c.opts.maxAttempts {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return fault.New(fault.KindTimeout, op, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return lastErr
}

func itemFrom(attrs map[string]dynamodbtypes.AttributeValue) Item {
	item := Item{
		Shard:     tenant.ShardKey(getString(attrs[ShardAttr])),
		ProductID: getString(attrs[ProductAttr]),
	}
	if data := getString(attrs[DataAttr]); data != "" {
		item.Data = json.RawMessage(data)
	}
	return item
}

// getString extracts the string value from a DynamoDB AttributeValue,
// returning "" for any other member type.
func getString(attr dynamodbtypes.AttributeValue) string {
	if v, ok := attr.(*dynamodbtypes.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// classify maps a remote store error onto the fault taxonomy. A remote
// AccessDenied is never downgraded: the local guards should have caught it,
// so its appearance is itself a signal.
func classify(err error) fault.Kind {
	var throughput *dynamodbtypes.ProvisionedThroughputExceededException
	var limit *dynamodbtypes.RequestLimitExceeded
	if errors.As(err, &throughput) || errors.As(err, &limit) {
		return fault.KindThrottled
	}
	var missing *dynamodbtypes.ResourceNotFoundException
	if errors.As(err, &missing) {
		return fault.KindInternal
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "AccessDenied":
			return fault.KindAccessDenied
		case "ExpiredTokenException", "ExpiredToken", "InvalidSignatureException", "UnrecognizedClientException":
			return fault.KindAccessDenied
		case "ThrottlingException", "Throttling":
			return fault.KindThrottled
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fault.KindTimeout
	}
	return fault.KindInternal
}
