package redis

import (
	"context"
	"fmt"
	"strings"

	"travel-event-core/internal/core/domain"

	goredis "github.com/redis/go-redis/v9"
)

// Namespace partitions the shared store by owning subsystem.
type Namespace string

const (
	NamespaceCache     Namespace = "cache"
	NamespaceSession   Namespace = "session"
	NamespaceWebsocket Namespace = "websocket"
	NamespaceQueue     Namespace = "queue"
	NamespaceLock      Namespace = "lock"
	NamespaceRateLimit Namespace = "rate-limit"
)

// Namespaces lists every partition of the shared store.
var Namespaces = []Namespace{
	NamespaceCache,
	NamespaceSession,
	NamespaceWebsocket,
	NamespaceQueue,
	NamespaceLock,
	NamespaceRateLimit,
}

// ErrUnknownNamespace is returned for names outside Namespaces.
var ErrUnknownNamespace = domain.ErrUnknownNamespace

// ParseNamespace validates a namespace name.
func ParseNamespace(s string) (Namespace, error) {
	for _, ns := range Namespaces {
		if string(ns) == s {
			return ns, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownNamespace, s)
}

// Keyspace is write access to a single namespace. Each store receives the
// keyspace of the namespace it owns and can only build keys inside it.
type Keyspace struct {
	client *goredis.Client
	ns     Namespace
}

// NewKeyspace binds client to ns.
func NewKeyspace(client *goredis.Client, ns Namespace) Keyspace {
	return Keyspace{client: client, ns: ns}
}

// Namespace returns the bound namespace.
func (k Keyspace) Namespace() Namespace {
	return k.ns
}

// Key joins parts under the namespace prefix, e.g. "queue:email:waiting".
func (k Keyspace) Key(parts ...string) string {
	return string(k.ns) + ":" + strings.Join(parts, ":")
}

// Prefix returns the namespace prefix including the trailing separator.
func (k Keyspace) Prefix() string {
	return string(k.ns) + ":"
}

// Inspector is read-only access to every namespace, used for diagnostics.
type Inspector struct {
	client *goredis.Client
}

func NewInspector(client *goredis.Client) *Inspector {
	return &Inspector{client: client}
}

// Keys scans keys in ns matching pattern, up to limit results.
func (i *Inspector) Keys(ctx context.Context, ns Namespace, pattern string, limit int) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	match := string(ns) + ":" + pattern
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := i.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", ns, err)
		}
		for _, k := range batch {
			keys = append(keys, k)
			if limit > 0 && len(keys) >= limit {
				return keys, nil
			}
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Type returns the redis type of key in ns.
func (i *Inspector) Type(ctx context.Context, ns Namespace, key string) (string, error) {
	t, err := i.client.Type(ctx, string(ns)+":"+key).Result()
	if err != nil {
		return "", fmt.Errorf("redis type: %w", err)
	}
	return t, nil
}

// Count returns the number of keys in each namespace.
func (i *Inspector) Count(ctx context.Context) (map[Namespace]int, error) {
	out := make(map[Namespace]int, len(Namespaces))
	for _, ns := range Namespaces {
		keys, err := i.Keys(ctx, ns, "*", 0)
		if err != nil {
			return nil, err
		}
		out[ns] = len(keys)
	}
	return out, nil
}

// NamespaceNames lists the namespaces as plain strings.
func (i *Inspector) NamespaceNames() []string {
	out := make([]string, len(Namespaces))
	for n, ns := range Namespaces {
		out[n] = string(ns)
	}
	return out
}

// KeyCounts is Count keyed by namespace name.
func (i *Inspector) KeyCounts(ctx context.Context) (map[string]int, error) {
	counts, err := i.Count(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(counts))
	for ns, n := range counts {
		out[string(ns)] = n
	}
	return out, nil
}

// ScanKeys is Keys for an unparsed namespace name.
func (i *Inspector) ScanKeys(ctx context.Context, namespace, pattern string, limit int) ([]string, error) {
	ns, err := ParseNamespace(namespace)
	if err != nil {
		return nil, err
	}
	return i.Keys(ctx, ns, pattern, limit)
}
