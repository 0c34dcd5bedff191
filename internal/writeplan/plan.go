package writeplan

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/lakesink/pkg/protocol"
)

// JobContext carries the identity shared by every component of one job.
type JobContext struct {
	ID       string
	SyncTime time.Time
}

func NewJobContext(clock clockwork.Clock) JobContext {
	return JobContext{
		ID:       uuid.NewString(),
		SyncTime: clock.Now().UTC().Truncate(time.Millisecond),
	}
}

// WriteConfig is the compiled, immutable write plan of one stream.
type WriteConfig struct {
	Key        protocol.StreamKey
	Schema     string
	RawSchema  string
	RawTable   string
	FinalTable string
	TempTable  string
	SyncMode   SyncMode
	PrimaryKey []string
	Cursor     string
	Columns    []Column
	JobID      string
	SyncTime   time.Time
}

func (c *WriteConfig) String() string {
	return fmt.Sprintf("%s -> %s.%s (%s)", c.Key, c.Schema, c.FinalTable, c.SyncMode)
}

// ConflictError reports every stream whose destination collides with another.
type ConflictError struct {
	Streams []protocol.StreamKey
}

func (e *ConflictError) Error() string {
	names := make([]string, 0, len(e.Streams))
	for _, k := range e.Streams {
		names = append(names, k.String())
	}
	return fmt.Sprintf("streams resolve to conflicting destination tables: %s", strings.Join(names, ", "))
}

type Plan struct {
	job     JobContext
	configs []*WriteConfig
	byKey   map[protocol.StreamKey]*WriteConfig
}

func (p *Plan) Job() JobContext {
	return p.job
}

// Configs returns the write configs in catalog order.
func (p *Plan) Configs() []*WriteConfig {
	return p.configs
}

func (p *Plan) Lookup(key protocol.StreamKey) (*WriteConfig, bool) {
	cfg, ok := p.byKey[key]
	return cfg, ok
}

func (p *Plan) Keys() []protocol.StreamKey {
	keys := make([]protocol.StreamKey, 0, len(p.configs))
	for _, cfg := range p.configs {
		keys = append(keys, cfg.Key)
	}
	return keys
}

type destination struct {
	schema string
	table  string
}

// destinations lists the tables a stream writes to. Unset names are skipped.
func (n Names) destinations() []destination {
	candidates := []destination{
		{schema: n.RawSchema, table: n.RawTable},
		{schema: n.Schema, table: n.FinalTable},
		{schema: n.Schema, table: n.TempTable},
	}
	out := make([]destination, 0, len(candidates))
	for _, d := range candidates {
		if d.table != "" {
			out = append(out, d)
		}
	}
	return out
}

// Compile resolves every catalog stream to its destination and fails with a
// *ConflictError naming all streams that share a table. Raw, final and temp
// tables are checked together, each in the schema it is created in.
func Compile(job JobContext, catalog Catalog, naming NamingResolver) (*Plan, error) {
	if naming == nil {
		return nil, fmt.Errorf("naming resolver is required")
	}
	if job.SyncTime.IsZero() {
		return nil, fmt.Errorf("job sync time is required")
	}

	occupants := make(map[destination]protocol.StreamKey, len(catalog.Streams))
	conflicted := make(map[protocol.StreamKey]struct{})
	configs := make([]*WriteConfig, 0, len(catalog.Streams))

	for _, s := range catalog.Streams {
		names := naming.Resolve(s.Namespace, s.Name)
		if names.RawSchema == "" {
			names.RawSchema = names.Schema
		}
		key := s.Key()
		dests := names.destinations()
		clash := false
		for _, dest := range dests {
			if first, ok := occupants[dest]; ok {
				conflicted[first] = struct{}{}
				conflicted[key] = struct{}{}
				clash = true
			}
		}
		if clash {
			continue
		}
		for _, dest := range dests {
			occupants[dest] = key
		}

		mode := s.SyncMode
		if mode == "" {
			mode = SyncModeAppend
		}
		configs = append(configs, &WriteConfig{
			Key:        key,
			Schema:     names.Schema,
			RawSchema:  names.RawSchema,
			RawTable:   names.RawTable,
			FinalTable: names.FinalTable,
			TempTable:  names.TempTable,
			SyncMode:   mode,
			PrimaryKey: s.PrimaryKey,
			Cursor:     s.Cursor,
			Columns:    s.Columns,
			JobID:      job.ID,
			SyncTime:   job.SyncTime,
		})
	}

	if len(conflicted) > 0 {
		streams := make([]protocol.StreamKey, 0, len(conflicted))
		for k := range conflicted {
			streams = append(streams, k)
		}
		protocol.SortKeys(streams)
		return nil, &ConflictError{Streams: streams}
	}

	byKey := make(map[protocol.StreamKey]*WriteConfig, len(configs))
	for _, cfg := range configs {
		byKey[cfg.Key] = cfg
	}
	return &Plan{job: job, configs: configs, byKey: byKey}, nil
}
