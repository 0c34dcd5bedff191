package writeplan

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/lakesink/pkg/protocol"
)

type SyncMode string

const (
	SyncModeAppend       SyncMode = "append"
	SyncModeOverwrite    SyncMode = "overwrite"
	SyncModeAppendDedupe SyncMode = "append_dedupe"
)

func ParseSyncMode(s string) (SyncMode, error) {
	switch m := SyncMode(strings.ToLower(strings.TrimSpace(s))); m {
	case SyncModeAppend, SyncModeOverwrite, SyncModeAppendDedupe:
		return m, nil
	case "":
		return SyncModeAppend, nil
	default:
		return "", fmt.Errorf("unknown sync mode %q", s)
	}
}

func (m *SyncMode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	mode, err := ParseSyncMode(s)
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

type ColumnType string

const (
	ColumnTypeString    ColumnType = "string"
	ColumnTypeInteger   ColumnType = "integer"
	ColumnTypeNumber    ColumnType = "number"
	ColumnTypeBoolean   ColumnType = "boolean"
	ColumnTypeTimestamp ColumnType = "timestamp"
	ColumnTypeJSON      ColumnType = "json"
)

var columnTypes = []ColumnType{
	ColumnTypeString, ColumnTypeInteger, ColumnTypeNumber,
	ColumnTypeBoolean, ColumnTypeTimestamp, ColumnTypeJSON,
}

// Column is a typed field extracted from the record payload during promotion.
type Column struct {
	Name string     `yaml:"name"`
	Type ColumnType `yaml:"type"`
}

// CatalogStream is one stream requested by the job.
type CatalogStream struct {
	Namespace  string   `yaml:"namespace"`
	Name       string   `yaml:"name"`
	SyncMode   SyncMode `yaml:"sync_mode"`
	PrimaryKey []string `yaml:"primary_key"`
	Cursor     string   `yaml:"cursor"`
	Columns    []Column `yaml:"columns"`
}

func (s CatalogStream) Key() protocol.StreamKey {
	return protocol.StreamKey{Namespace: s.Namespace, Name: s.Name}
}

type Catalog struct {
	Streams []CatalogStream `yaml:"streams"`
}

func (c *Catalog) Validate() error {
	if len(c.Streams) == 0 {
		return errors.New("catalog has no streams")
	}
	var errs []error
	for i := range c.Streams {
		s := &c.Streams[i]
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("stream %d: name is required", i))
			continue
		}
		if s.SyncMode == "" {
			s.SyncMode = SyncModeAppend
		}
		if s.SyncMode == SyncModeAppendDedupe && len(s.PrimaryKey) == 0 {
			errs = append(errs, fmt.Errorf("stream %s: append_dedupe requires a primary key", s.Key()))
		}
		for j := range s.Columns {
			col := &s.Columns[j]
			if col.Name == "" {
				errs = append(errs, fmt.Errorf("stream %s: column name is required", s.Key()))
			}
			if col.Type == "" {
				col.Type = ColumnTypeString
				continue
			}
			if !slices.Contains(columnTypes, col.Type) {
				errs = append(errs, fmt.Errorf("stream %s: column %s has unknown type %q", s.Key(), col.Name, col.Type))
			}
		}
	}
	return errors.Join(errs...)
}

// Keys lists the catalog's streams in catalog order.
func (c *Catalog) Keys() []protocol.StreamKey {
	keys := make([]protocol.StreamKey, 0, len(c.Streams))
	for _, s := range c.Streams {
		keys = append(keys, s.Key())
	}
	return keys
}

// LoadCatalog reads and validates a catalog file.
func LoadCatalog(path string) (Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("failed to read catalog: %w", err)
	}
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Catalog{}, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}
