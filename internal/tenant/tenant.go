// Package tenant implements the identity extractor: it pulls a tenant
// identifier out of an inbound request (body field for writes, query
// parameter for reads) and validates it against a strict allow-list before
// anything downstream sees it. The gateway is expected to have validated the
// field's presence already, but the extractor never trusts that.
package tenant

import (
	"errors"
	"net/url"
	"strconv"
	"strings"

	"shardgate/internal/fault"
)

// Field is the request field / query parameter carrying the tenant identifier.
const Field = "tenant_id"

// MaxIDLen bounds identifier length. Tenant ids participate in policy
// documents and shard keys; anything oversized is rejected outright.
const MaxIDLen = 64

// ID is a validated tenant identifier. Construct only through Parse so that
// holding an ID means the allow-list already passed.
type ID string

func (id ID) String() string { return string(id) }

// ShardKey is a partition-key value of the shared table. A tenant's data
// lives on shards "<id>-<suffix>" for a small fixed suffix range.
type ShardKey string

func (s ShardKey) String() string { return string(s) }

// Parse validates a raw identifier. Only alphanumerics plus '-', '_' and '.'
// are allowed: characters with meaning in policy documents (wildcards,
// quotes, path separators) or in shard keys must never survive extraction.
func Parse(raw string) (ID, error) {
	if raw == "" {
		return "", fault.Newf(fault.KindInvalidIdentity, "tenant.Parse", "missing %s", Field)
	}
	if len(raw) > MaxIDLen {
		return "", fault.Newf(fault.KindInvalidIdentity, "tenant.Parse", "%s exceeds %d characters", Field, MaxIDLen)
	}
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return "", fault.Newf(fault.KindInvalidIdentity, "tenant.Parse", "%s contains disallowed character %q", Field, r)
		}
	}
	return ID(raw), nil
}

// FromBody extracts and validates the tenant id from a decoded JSON body.
func FromBody(body map[string]any) (ID, error) {
	v, ok := body[Field]
	if !ok {
		return "", fault.Newf(fault.KindInvalidIdentity, "tenant.FromBody", "missing %s", Field)
	}
	s, ok := v.(string)
	if !ok {
		return "", fault.Newf(fault.KindInvalidIdentity, "tenant.FromBody", "%s is not a string", Field)
	}
	return Parse(s)
}

// FromQuery extracts and validates the tenant id from query parameters.
func FromQuery(q url.Values) (ID, error) {
	return Parse(q.Get(Field))
}

// ShardFor derives the shard key for one of the tenant's suffix slots.
// The mapping is injective across tenants as long as suffixes stay a single
// numeric segment: PrefixOf strips exactly one trailing "-<digits>" segment,
// so "acme-42"+1 -> "acme-42-1" can never collide with a shard of "acme".
func ShardFor(id ID, suffix int) ShardKey {
	if suffix < 0 {
		suffix = 0
	}
	return ShardKey(string(id) + "-" + strconv.Itoa(suffix))
}

// PrefixOf returns the tenant prefix of a shard key, or "" when the key does
// not end in a "-<digits>" segment.
func PrefixOf(shard ShardKey) string {
	s := string(shard)
	i := strings.LastIndexByte(s, '-')
	if i <= 0 || i == len(s)-1 {
		return ""
	}
	for _, r := range s[i+1:] {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return s[:i]
}

// Owns reports whether the shard key belongs to the tenant. This is the
// local guard the scoped data client applies before any remote call.
func (id ID) Owns(shard ShardKey) bool {
	return id != "" && PrefixOf(shard) == string(id)
}

// WildcardPattern is the partition-key pattern the access policy pins the
// credential to: every shard of this tenant and nothing else.
func (id ID) WildcardPattern() (string, error) {
	if id == "" {
		return "", errors.New("empty tenant id")
	}
	return string(id) + "-*", nil
}
