// Package broker exchanges a synthesized access policy for short-lived,
// tenant-scoped credentials via the trust exchange (sts:AssumeRole with a
// session policy). The exchange can only narrow the assumed role's
// authority, never widen it; the broker relies on that guarantee and does
// nothing to work around it. Credentials are minted per request and never
// cached.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/aws/smithy-go"

	"shardgate/internal/fault"
	"shardgate/internal/policy"
)

const maxBackoff = 2 * time.Second

// API is the subset of the STS client the broker uses. Narrow on purpose so
// tests can substitute a fake trust exchange.
type API interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Credential is a scoped, expiring credential bundle bound to the policy it
// was minted for. Request-scoped: created at request entry, discarded at
// request exit.
type Credential struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	IssuedAt        time.Time
	ExpiresAt       time.Time
	Policy          policy.Policy
}

// Expired reports whether the credential is unusable at the given instant.
func (c Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Broker performs the trust exchange. The broad identity (ambient AWS
// config + assume-role target) is fixed at construction and read-only
// afterwards.
type Broker struct {
	api      API
	roleARN  string
	duration time.Duration
	opts     *Options
}

// Option is a functional option for configuring a [Broker].
type Option func(*Options)

type Options struct {
	api         API
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

// WithAPI injects a custom trust-exchange client. Used in tests.
func WithAPI(api API) Option {
	return func(o *Options) { o.api = api }
}

// WithClock overrides the issuance clock. Used in tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) { o.clock = clock }
}

// WithMaxAttempts bounds the retry budget for transient exchange failures.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// New builds a broker over the ambient AWS config. duration is the lifetime
// requested for every minted credential; STS clamps it to the role's
// session limits.
func New(awsCfg aws.Config, roleARN string, duration time.Duration, opts ...Option) *Broker {
	options := newOptions()
	for _, o := range opts {
		o(options)
	}
	api := options.api
	if api == nil {
		api = sts.NewFromConfig(awsCfg)
	}
	return &Broker{api: api, roleARN: roleARN, duration: duration, opts: options}
}

// Mint exchanges the policy for a scoped credential. Transient exchange
// failures are retried with exponential backoff inside the configured
// budget; policy rejections and trust failures fail closed immediately.
func (b *Broker) Mint(ctx context.Context, p policy.Policy) (Credential, error) {
	const op = "broker.Mint"
	if len(p.Doc) == 0 {
		return Credential{}, fault.Newf(fault.KindInternal, op, "empty policy document")
	}
	input := &sts.AssumeRoleInput{
		RoleArn:         aws.String(b.roleARN),
		RoleSessionName: aws.String(sessionName(p)),
		Policy:          aws.String(string(p.Doc)),
		DurationSeconds: aws.Int32(int32(b.duration / time.Second)),
	}

	backoff := b.opts.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= b.opts.maxAttempts; attempt++ {
		out, err := b.api.AssumeRole(ctx, input)
		if err == nil {
			return b.credentialFrom(out, p)
		}
		kind := classify(err)
		lastErr = fault.New(kind, op, err)
		if !fault.Transient(kind) {
			return Credential{}, lastErr
		}
		if attempt == b.opts.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return Credential{}, fault.New(fault.KindTimeout, op, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return Credential{}, lastErr
}

func (b *Broker) credentialFrom(out *sts.AssumeRoleOutput, p policy.Policy) (Credential, error) {
	const op = "broker.Mint"
	c := out.Credentials
	if c == nil || c.AccessKeyId == nil || c.SecretAccessKey == nil || c.SessionToken == nil || c.Expiration == nil {
		return Credential{}, fault.Newf(fault.KindInternal, op, "trust exchange returned incomplete credentials")
	}
	return Credential{
		AccessKeyID:     *c.AccessKeyId,
		SecretAccessKey: *c.SecretAccessKey,
		SessionToken:    *c.SessionToken,
		IssuedAt:        b.opts.clock(),
		ExpiresAt:       *c.Expiration,
		Policy:          p,
	}, nil
}

// sessionName builds the RoleSessionName. Tenant ids already satisfy the
// STS session-name character set; only the 64-char limit needs enforcing.
func sessionName(p policy.Policy) string {
	name := "shardgate-" + p.Tenant.String()
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

// classify maps a trust-exchange error onto the fault taxonomy.
func classify(err error) fault.Kind {
	var malformed *ststypes.MalformedPolicyDocumentException
	var tooLarge *ststypes.PackedPolicyTooLargeException
	if errors.As(err, &malformed) || errors.As(err, &tooLarge) {
		return fault.KindPolicyRejected
	}
	var expired *ststypes.ExpiredTokenException
	if errors.As(err, &expired) {
		return fault.KindIdentityUntrusted
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "AccessDeniedException", "InvalidClientTokenId", "SignatureDoesNotMatch":
			return fault.KindIdentityUntrusted
		case "Throttling", "ThrottlingException", "RequestLimitExceeded", "ServiceUnavailable", "InternalFailure":
			return fault.KindBrokerUnavailable
		}
	}
	// Transport-level failures: the exchange endpoint was unreachable.
	return fault.KindBrokerUnavailable
}
