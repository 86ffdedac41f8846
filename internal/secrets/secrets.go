// Package secrets resolves tenant database passwords stored outside the
// registry. A reference has the form "aws-sm:<secret-id>[#<json-key>]".
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/rs/zerolog/log"
)

// Prefix marks a password reference resolved through AWS Secrets Manager.
const Prefix = "aws-sm:"

const defaultKey = "password"

// IsReference reports whether ref names a Secrets Manager secret.
func IsReference(ref string) bool {
	return strings.HasPrefix(ref, Prefix) && len(ref) > len(Prefix)
}

// ParseReference splits a reference into secret id and JSON key.
func ParseReference(ref string) (id, key string, err error) {
	if !IsReference(ref) {
		return "", "", fmt.Errorf("unsupported password reference %q", maskID(ref))
	}
	id = strings.TrimPrefix(ref, Prefix)
	key = defaultKey
	if i := strings.LastIndexByte(id, '#'); i >= 0 {
		id, key = id[:i], id[i+1:]
	}
	if id == "" || key == "" {
		return "", "", fmt.Errorf("malformed password reference %q", maskID(ref))
	}
	return id, key, nil
}

type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// AWSResolver fetches secret values from AWS Secrets Manager and caches them.
type AWSResolver struct {
	client secretsAPI
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// Options configures an AWSResolver.
type Options struct {
	Region   string
	CacheTTL time.Duration
}

// NewAWSResolver loads the default AWS configuration chain.
func NewAWSResolver(ctx context.Context, opts Options) (*AWSResolver, error) {
	var cfgOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return newAWSResolver(secretsmanager.NewFromConfig(cfg), opts.CacheTTL), nil
}

func newAWSResolver(client secretsAPI, ttl time.Duration) *AWSResolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &AWSResolver{
		client: client,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
}

// Resolve returns the password named by ref.
func (r *AWSResolver) Resolve(ctx context.Context, ref string) (string, error) {
	id, key, err := ParseReference(ref)
	if err != nil {
		return "", err
	}

	r.mu.RLock()
	entry, ok := r.cache[ref]
	r.mu.RUnlock()
	if ok && r.now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	log.Debug().Str("secret", maskID(id)).Msg("Fetching secret from AWS Secrets Manager")
	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", maskID(id), err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", maskID(id))
	}

	value, err := extract(*out.SecretString, key)
	if err != nil {
		return "", fmt.Errorf("secret %s: %w", maskID(id), err)
	}

	r.mu.Lock()
	r.cache[ref] = cacheEntry{value: value, expiresAt: r.now().Add(r.ttl)}
	r.mu.Unlock()
	return value, nil
}

// Invalidate drops a cached reference so the next Resolve refetches it.
func (r *AWSResolver) Invalidate(ref string) {
	r.mu.Lock()
	delete(r.cache, ref)
	r.mu.Unlock()
}

// extract reads key from a JSON object secret; a non-JSON secret is the password itself.
func extract(raw, key string) (string, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return raw, nil
	}
	v, ok := fields[key].(string)
	if !ok {
		return "", fmt.Errorf("key %q missing or not a string", key)
	}
	return v, nil
}

func maskID(id string) string {
	if len(id) <= 12 {
		return "***"
	}
	return "..." + id[len(id)-8:]
}

// Static resolves references from a fixed map. Useful for local deployments.
type Static map[string]string

func (s Static) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := s[ref]
	if !ok {
		return "", fmt.Errorf("password reference %q not configured", maskID(ref))
	}
	return v, nil
}
