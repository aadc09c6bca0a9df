// Package items is the request orchestrator: for each inbound operation it
// runs extract identity -> synthesize policy -> mint credential -> touch the
// shared table, in that order, and maps failures onto the fault taxonomy.
// Nothing produced by one request (policy, credential, client) survives into
// another.
package items

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"net/url"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shardgate/internal/audit"
	"shardgate/internal/broker"
	"shardgate/internal/fault"
	"shardgate/internal/policy"
	"shardgate/internal/store"
	"shardgate/internal/tenant"
	"shardgate/pkg/config"
	"shardgate/pkg/middleware"
)

const (
	shardParam   = "shard_id"
	productParam = "product_id"

	productIDMin = 10000
	productIDMax = 19999
)

// Service wires the pipeline stages together. All fields are set at
// construction and read-only afterwards; per-request state never lands here.
type Service struct {
	cfg     config.Config
	log     *zap.SugaredLogger
	synth   *policy.Synthesizer
	broker  *broker.Broker
	stores  *store.Factory
	audit   *audit.Recorder
	metrics *Metrics
}

func NewService(cfg config.Config, log *zap.SugaredLogger, synth *policy.Synthesizer, b *broker.Broker, stores *store.Factory, rec *audit.Recorder, m *Metrics) *Service {
	return &Service{cfg: cfg, log: log, synth: synth, broker: b, stores: stores, audit: rec, metrics: m}
}

// CreateResult acknowledges a write: which shards received items.
type CreateResult struct {
	ShardIDs   []tenant.ShardKey `json:"shard_ids"`
	ProductIDs []string          `json:"product_ids"`
}

// ListResult is the fan-out read response.
type ListResult struct {
	Items []store.Item `json:"items"`
	Count int          `json:"count"`
}

// CreateItems handles POST /items: extracts the tenant from the body, mints
// a write-scoped credential, and writes ItemsPerCreate items onto random
// suffix shards of that tenant. Item attributes other than tenant_id are
// carried as the item payload.
func (s *Service) CreateItems(ctx context.Context, body map[string]any) (CreateResult, error) {
	id, err := tenant.FromBody(body)
	if err != nil {
		return CreateResult{}, s.fail(ctx, "", err)
	}
	client, err := s.scopedClient(ctx, id, policy.OpWrite)
	if err != nil {
		return CreateResult{}, s.fail(ctx, id.String(), err)
	}

	payload, err := itemPayload(body)
	if err != nil {
		return CreateResult{}, s.fail(ctx, id.String(), fault.New(fault.KindInvalidIdentity, "items.CreateItems", err))
	}

	res := CreateResult{}
	for i := 0; i < s.cfg.ItemsPerCreate; i++ {
		shard := tenant.ShardFor(id, randInt(s.cfg.ShardSuffixMin, s.cfg.ShardSuffixMax))
		productID := strconv.Itoa(randInt(productIDMin, productIDMax))
		item := store.Item{Shard: shard, ProductID: productID, Data: payload}
		if err := client.PutItem(ctx, item); err != nil {
			// Writes are not retried; partial progress is reported in the log
			// and the request fails.
			s.log.Errorw("put item failed", "tenant", id, "shard", shard, "written", len(res.ShardIDs), "err", err)
			return CreateResult{}, s.fail(ctx, id.String(), err)
		}
		res.ShardIDs = append(res.ShardIDs, shard)
		res.ProductIDs = append(res.ProductIDs, productID)
	}
	s.metrics.Outcome("create", "ok")
	return res, nil
}

// ListItems handles GET /items?tenant_id=X: one read-scoped credential, then
// a concurrent query per suffix shard. All suffix queries share the same
// scoped credential; a failure on any shard fails the request.
func (s *Service) ListItems(ctx context.Context, q url.Values) (ListResult, error) {
	id, err := tenant.FromQuery(q)
	if err != nil {
		return ListResult{}, s.fail(ctx, "", err)
	}
	client, err := s.scopedClient(ctx, id, policy.OpRead)
	if err != nil {
		return ListResult{}, s.fail(ctx, id.String(), err)
	}

	// An inverted suffix range yields no shards rather than a panic; config
	// load warns about it.
	var suffixes []int
	for sfx := s.cfg.ShardSuffixMin; sfx <= s.cfg.ShardSuffixMax; sfx++ {
		suffixes = append(suffixes, sfx)
	}
	perShard := make([][]store.Item, len(suffixes))
	g, gctx := errgroup.WithContext(ctx)
	for i, sfx := range suffixes {
		i, sfx := i, sfx
		g.Go(func() error {
			items, err := client.QueryShard(gctx, tenant.ShardFor(id, sfx))
			if err != nil {
				return err
			}
			perShard[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ListResult{}, s.fail(ctx, id.String(), err)
	}

	res := ListResult{Items: []store.Item{}}
	for _, items := range perShard {
		res.Items = append(res.Items, items...)
	}
	res.Count = len(res.Items)
	s.metrics.Outcome("list", "ok")
	return res, nil
}

// GetItem handles GET /items?tenant_id=X&shard_id=S&product_id=P. A miss is
// NotFound, which the handler maps to 404 — a valid empty result, not a
// pipeline failure.
func (s *Service) GetItem(ctx context.Context, q url.Values) (*store.Item, error) {
	id, err := tenant.FromQuery(q)
	if err != nil {
		return nil, s.fail(ctx, "", err)
	}
	shard := tenant.ShardKey(q.Get(shardParam))
	if shard == "" {
		return nil, s.fail(ctx, id.String(), fault.Newf(fault.KindInvalidIdentity, "items.GetItem", "missing %s", shardParam))
	}
	productID := q.Get(productParam)
	if productID == "" {
		return nil, s.fail(ctx, id.String(), fault.Newf(fault.KindInvalidIdentity, "items.GetItem", "missing %s", productParam))
	}
	client, err := s.scopedClient(ctx, id, policy.OpRead)
	if err != nil {
		return nil, s.fail(ctx, id.String(), err)
	}
	item, err := client.GetItem(ctx, shard, productID)
	if err != nil {
		return nil, s.fail(ctx, id.String(), err)
	}
	if item == nil {
		s.metrics.Outcome("get", "miss")
		return nil, fault.Newf(fault.KindNotFound, "items.GetItem", "no item for shard %q product %q", shard, productID)
	}
	s.metrics.Outcome("get", "ok")
	return item, nil
}

// DeleteItem handles DELETE /items/{product_id}?tenant_id=X&shard_id=S.
func (s *Service) DeleteItem(ctx context.Context, q url.Values, productID string) error {
	id, err := tenant.FromQuery(q)
	if err != nil {
		return s.fail(ctx, "", err)
	}
	shard := tenant.ShardKey(q.Get(shardParam))
	if shard == "" {
		return s.fail(ctx, id.String(), fault.Newf(fault.KindInvalidIdentity, "items.DeleteItem", "missing %s", shardParam))
	}
	if productID == "" {
		return s.fail(ctx, id.String(), fault.Newf(fault.KindInvalidIdentity, "items.DeleteItem", "missing %s", productParam))
	}
	client, err := s.scopedClient(ctx, id, policy.OpWrite)
	if err != nil {
		return s.fail(ctx, id.String(), err)
	}
	if err := client.DeleteItem(ctx, shard, productID); err != nil {
		return s.fail(ctx, id.String(), err)
	}
	s.metrics.Outcome("delete", "ok")
	return nil
}

// scopedClient runs the synthesize -> mint -> scope sequence shared by every
// operation.
func (s *Service) scopedClient(ctx context.Context, id tenant.ID, op policy.Op) (*store.Client, error) {
	pol, err := s.synth.Synthesize(id, op)
	if err != nil {
		return nil, err
	}
	cred, err := s.broker.Mint(ctx, pol)
	if err != nil {
		return nil, err
	}
	return s.stores.Scoped(ctx, cred)
}

// fail maps ctx expiry onto the timeout kind, counts the outcome, and routes
// security-relevant kinds to the audit trail before returning the error.
func (s *Service) fail(ctx context.Context, tenantID string, err error) error {
	if ctx.Err() != nil && fault.KindOf(err) != fault.KindTimeout {
		err = fault.New(fault.KindTimeout, "items.pipeline", err)
	}
	kind := fault.KindOf(err)
	s.metrics.Failure(kind)
	if fault.Security(kind) {
		s.audit.Record(ctx, audit.Event{
			Kind:      kind,
			TenantID:  tenantID,
			Operation: "items",
			RequestID: middleware.RequestIDFrom(ctx),
			Detail:    err.Error(),
		})
	} else if kind != fault.KindInvalidIdentity && kind != fault.KindNotFound {
		s.log.Errorw("pipeline failure", "tenant", tenantID, "kind", kind.String(), "err", err)
	}
	return err
}

// itemPayload re-encodes the body's item attributes (everything except the
// tenant identifier) as the stored payload.
func itemPayload(body map[string]any) (json.RawMessage, error) {
	attrs := make(map[string]any, len(body))
	for k, v := range body {
		if k == tenant.Field {
			continue
		}
		attrs[k] = v
	}
	if len(attrs) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// randInt draws a cryptographically random int in [lo, hi].
func randInt(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(hi-lo+1)))
	if err != nil {
		return lo
	}
	return lo + int(n.Int64())
}
