package presence

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoAttachment means the device has no known network attachment right now.
// Distinct from a lookup failure: the store answered, the answer is "not here".
var ErrNoAttachment = errors.New("no network attachment known for device")

// Attachment is the point-in-time network attachment of a device.
type Attachment struct {
	MAC  string
	IP   string
	Seen time.Time
}

// OnSegment reports whether the attachment sits on the given classroom
// segment. Segments are address prefixes, not full addresses.
func (a Attachment) OnSegment(segment string) bool {
	if segment == "" {
		return false
	}
	return strings.HasPrefix(a.IP, segment)
}

// CanonicalMAC validates and canonicalizes a device identifier.
// Equality on device identifiers is case-insensitive, so everything is
// normalized to the uppercase colon form before it touches the store.
func CanonicalMAC(raw string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("malformed device identifier %q: %w", raw, err)
	}
	return strings.ToUpper(hw.String()), nil
}

// Resolver answers which network a device is currently attached to.
type Resolver interface {
	Resolve(ctx context.Context, mac string) (Attachment, error)
}

// RedisResolver reads live attachments from Redis. Router pushes write the
// same keys with a TTL, so an entry that outlives its lease simply expires.
type RedisResolver struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisResolver builds a resolver over the shared redis client.
func NewRedisResolver(client *redis.Client, ttl time.Duration) *RedisResolver {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisResolver{client: client, ttl: ttl}
}

func attachmentKey(mac string) string {
	return "presence:device:" + mac
}

// Resolve returns the device's current attachment, or ErrNoAttachment.
// The mac must already be canonical; Resolve does not re-parse it.
func (r *RedisResolver) Resolve(ctx context.Context, mac string) (Attachment, error) {
	ip, err := r.client.Get(ctx, attachmentKey(mac)).Result()
	if err == redis.Nil {
		return Attachment{}, ErrNoAttachment
	}
	if err != nil {
		return Attachment{}, fmt.Errorf("presence lookup: %w", err)
	}
	return Attachment{MAC: mac, IP: ip, Seen: time.Now().UTC()}, nil
}

// Record stores (or refreshes) a device attachment with the configured TTL.
// Called from the router ingest path.
func (r *RedisResolver) Record(ctx context.Context, mac, ip string) error {
	if err := r.client.Set(ctx, attachmentKey(mac), ip, r.ttl).Err(); err != nil {
		return fmt.Errorf("presence record: %w", err)
	}
	return nil
}
