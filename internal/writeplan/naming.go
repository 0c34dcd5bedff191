package writeplan

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/ristretto"
)

const (
	defaultNamespace  = "public"
	defaultRawSuffix  = "_raw"
	defaultTempSuffix = "_tmp"
)

// Names is the resolved destination of one stream.
type Names struct {
	Schema     string
	RawSchema  string
	RawTable   string
	FinalTable string
	TempTable  string
}

// NamingResolver maps a requested namespace and stream name to sanitized
// destination identifiers. Implementations must be pure.
type NamingResolver interface {
	Resolve(namespace, name string) Names
}

type NamingFunc func(namespace, name string) Names

func (f NamingFunc) Resolve(namespace, name string) Names {
	return f(namespace, name)
}

type NamingConfig struct {
	// DefaultNamespace is used for streams that do not declare one.
	DefaultNamespace string
	// RawSchema places every raw table in a shared schema. Empty keeps raw
	// tables next to their final tables.
	RawSchema  string
	RawSuffix  string
	TempSuffix string
	// MaxIdentifierLength truncates identifiers when positive. Suffixes are
	// always kept.
	MaxIdentifierLength int
}

func (c *NamingConfig) Validate() error {
	if c.DefaultNamespace == "" {
		c.DefaultNamespace = defaultNamespace
	}
	if c.RawSuffix == "" {
		c.RawSuffix = defaultRawSuffix
	}
	if c.TempSuffix == "" {
		c.TempSuffix = defaultTempSuffix
	}
	if c.MaxIdentifierLength < 0 {
		return fmt.Errorf("max identifier length must be non-negative")
	}
	longest := max(len(c.RawSuffix), len(c.TempSuffix))
	if c.MaxIdentifierLength > 0 && c.MaxIdentifierLength <= longest {
		return fmt.Errorf("max identifier length %d leaves no room for table suffixes", c.MaxIdentifierLength)
	}
	return nil
}

type DefaultNaming struct {
	cfg   NamingConfig
	cache *ristretto.Cache
}

func NewDefaultNaming(cfg NamingConfig) (*DefaultNaming, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create identifier cache: %w", err)
	}
	return &DefaultNaming{cfg: cfg, cache: cache}, nil
}

func (n *DefaultNaming) Resolve(namespace, name string) Names {
	if namespace == "" {
		namespace = n.cfg.DefaultNamespace
	}
	schema := n.Sanitize(namespace)
	table := n.Sanitize(name)
	rawSchema := schema
	if n.cfg.RawSchema != "" {
		rawSchema = n.Sanitize(n.cfg.RawSchema)
	}
	return Names{
		Schema:     schema,
		RawSchema:  rawSchema,
		RawTable:   n.withSuffix(table, n.cfg.RawSuffix),
		FinalTable: n.truncate(table),
		TempTable:  n.withSuffix(table, n.cfg.TempSuffix),
	}
}

// Sanitize lowercases s and replaces every character outside [a-z0-9_]
// with an underscore. Identifiers starting with a digit get a leading
// underscore.
func (n *DefaultNaming) Sanitize(s string) string {
	if v, ok := n.cache.Get(s); ok {
		return v.(string)
	}
	var b strings.Builder
	b.Grow(len(s) + 1)
	for i, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		out = "_"
	}
	n.cache.Set(s, out, 1)
	return out
}

func (n *DefaultNaming) truncate(s string) string {
	if n.cfg.MaxIdentifierLength > 0 && len(s) > n.cfg.MaxIdentifierLength {
		return s[:n.cfg.MaxIdentifierLength]
	}
	return s
}

func (n *DefaultNaming) withSuffix(base, suffix string) string {
	if limit := n.cfg.MaxIdentifierLength - len(suffix); n.cfg.MaxIdentifierLength > 0 && len(base) > limit {
		base = base[:limit]
	}
	return base + suffix
}

func (n *DefaultNaming) Close() {
	n.cache.Close()
}
