// Package policy synthesizes the session-policy document that confines a
// credential to a single tenant's shard prefix on the shared table.
// Synthesis is a pure function of (tenant, operation class): no network, no
// clock, and identical inputs yield byte-identical documents so downstream
// audit can verify the document was not altered between synthesis and the
// trust exchange.
//
// The partition-key pattern "<tenant>-*" is broader than the tenant's exact
// shard set when one tenant id is a dash-prefix of another ("acme" vs
// "acme-42"). Exact separation is enforced by the data client's local
// ownership guard, which strips exactly one trailing "-<digits>" segment;
// the remote pattern is the outer fence, the local guard the precise one.
package policy

import (
	"encoding/json"
	"errors"

	"shardgate/internal/fault"
	"shardgate/internal/tenant"
)

// Op is the operation class a policy is minted for.
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
)

const docVersion = "2012-10-17"

// leadingKeysCondition is the DynamoDB condition key that restricts which
// partition-key values a credential may touch.
const leadingKeysCondition = "dynamodb:LeadingKeys"

// Minimal action sets per operation class. The assume-role target grants the
// union of these over the whole table; the session policy narrows to one
// tenant and one class.
var (
	readActions  = []string{"dynamodb:GetItem", "dynamodb:Query"}
	writeActions = []string{"dynamodb:DeleteItem", "dynamodb:GetItem", "dynamodb:PutItem", "dynamodb:UpdateItem"}
)

// Document is an IAM policy document. Field order is fixed by the struct so
// marshaling is deterministic.
type Document struct {
	Version   string      `json:"Version"`
	Statement []Statement `json:"Statement"`
}

type Statement struct {
	Effect    string              `json:"Effect"`
	Action    []string            `json:"Action"`
	Resource  []string            `json:"Resource"`
	Condition map[string]CondExpr `json:"Condition"`
}

// CondExpr maps a condition key to its accepted value patterns.
type CondExpr map[string][]string

// Policy is a synthesized access policy: the document plus the binding it
// was minted for. The binding travels with the credential so the data client
// can enforce the shard guard locally.
type Policy struct {
	Tenant tenant.ID
	Op     Op
	Doc    []byte
}

// Synthesizer builds tenant-scoped session policies for one shared table.
type Synthesizer struct {
	tableARN string
}

func NewSynthesizer(tableARN string) *Synthesizer {
	return &Synthesizer{tableARN: tableARN}
}

// Synthesize produces the session policy confining op to the tenant's shard
// prefix. An unconditioned allow is equivalent to a full breach, so the
// result is re-checked before it is returned and any gap is an internal
// fault, never a granted policy.
func (s *Synthesizer) Synthesize(id tenant.ID, op Op) (Policy, error) {
	const opName = "policy.Synthesize"
	if s.tableARN == "" {
		return Policy{}, fault.New(fault.KindInternal, opName, errors.New("table ARN not configured"))
	}
	pattern, err := id.WildcardPattern()
	if err != nil {
		return Policy{}, fault.New(fault.KindInvalidIdentity, opName, err)
	}
	var actions []string
	switch op {
	case OpRead:
		actions = readActions
	case OpWrite:
		actions = writeActions
	default:
		return Policy{}, fault.Newf(fault.KindInternal, opName, "unknown operation class %q", op)
	}

	doc := Document{
		Version: docVersion,
		Statement: []Statement{{
			Effect:   "Allow",
			Action:   actions,
			Resource: []string{s.tableARN},
			Condition: map[string]CondExpr{
				"ForAllValues:StringLike": {
					leadingKeysCondition: []string{pattern},
				},
			},
		}},
	}
	if err := validate(doc); err != nil {
		return Policy{}, fault.New(fault.KindInternal, opName, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return Policy{}, fault.New(fault.KindInternal, opName, err)
	}
	return Policy{Tenant: id, Op: op, Doc: raw}, nil
}

// validate rejects any document with an Allow statement lacking the
// partition-key condition.
func validate(doc Document) error {
	if len(doc.Statement) == 0 {
		return errors.New("policy has no statements")
	}
	for _, st := range doc.Statement {
		if st.Effect != "Allow" {
			continue
		}
		found := false
		for _, expr := range st.Condition {
			if patterns, ok := expr[leadingKeysCondition]; ok && len(patterns) > 0 {
				found = true
			}
		}
		if !found {
			return errors.New("allow statement lacks " + leadingKeysCondition + " condition")
		}
	}
	return nil
}
