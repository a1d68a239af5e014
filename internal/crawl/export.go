package crawl

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/grid"
	"github.com/JakeFAU/gridcrawler/internal/ledger"
	"github.com/JakeFAU/gridcrawler/internal/session"
)

// StoreSchemaVersion is the version written to exports.
const StoreSchemaVersion = 1

//go:embed export_schema.json
var storeSchema []byte

// Store is the export file layout. Maps are keyed by ledger map suffix
// (queued, active, processed, cached, known).
type Store struct {
	SchemaVersion int                                   `json:"schemaVersion"`
	CrawlerID     string                                `json:"crawlerId"`
	ExportedAt    time.Time                             `json:"exportedAt"`
	Session       *session.Session                      `json:"session,omitempty"`
	Maps          map[string]map[string]json.RawMessage `json:"maps"`
}

// ExportFileName is the name of the export of crawlerID.
func ExportFileName(crawlerID string) string {
	return crawlerID + "-store.json"
}

// Export writes every grid map of the crawler to dir and returns the file path.
func (c *Crawler) Export(ctx context.Context, dir string, pretty bool) (path string, err error) {
	c.callbacks.BeforeCommand(ctx, CommandExport)
	defer func() { c.callbacks.AfterCommand(ctx, CommandExport, err) }()

	store := Store{
		SchemaVersion: StoreSchemaVersion,
		CrawlerID:     c.cfg.CrawlerID,
		ExportedAt:    c.clock.Now(),
		Maps:          map[string]map[string]json.RawMessage{},
	}
	rec, ok, err := c.registry.Get(ctx, c.cfg.CrawlerID)
	if err != nil {
		return "", err
	}
	if ok {
		store.Session = &rec
	}
	for _, name := range ledger.MapNames(c.cfg.CrawlerID) {
		entries := map[string]json.RawMessage{}
		var bad string
		err := c.grid.Storage().Map(name).ForEach(ctx, func(key string, value []byte) bool {
			if !json.Valid(value) {
				bad = key
				return false
			}
			entries[key] = json.RawMessage(bytes.Clone(value))
			return true
		})
		if err != nil {
			return "", fmt.Errorf("export %s: %w", name, err)
		}
		if bad != "" {
			return "", fmt.Errorf("export %s: entry %q is not JSON", name, bad)
		}
		store.Maps[mapSuffix(c.cfg.CrawlerID, name)] = entries
	}

	var data []byte
	if pretty {
		data, err = json.MarshalIndent(store, "", "  ")
	} else {
		data, err = json.Marshal(store)
	}
	if err != nil {
		return "", fmt.Errorf("marshal export: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path = filepath.Join(dir, ExportFileName(c.cfg.CrawlerID))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	c.logger.Info("store exported", zap.String("path", path))
	return path, nil
}

// Import validates file against the export schema and replaces the crawler's
// grid maps and session record with its contents. Pipeline stages are reset.
func (c *Crawler) Import(ctx context.Context, file string) (err error) {
	c.callbacks.BeforeCommand(ctx, CommandImport)
	defer func() { c.callbacks.AfterCommand(ctx, CommandImport, err) }()

	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read import: %w", err)
	}
	if err := ValidateStore(data); err != nil {
		return err
	}
	var store Store
	if err := json.Unmarshal(data, &store); err != nil {
		return fmt.Errorf("decode import: %w", err)
	}
	if store.CrawlerID != c.cfg.CrawlerID {
		return fmt.Errorf("import holds crawler %q, not %q", store.CrawlerID, c.cfg.CrawlerID)
	}
	if err := c.ensureIdle(ctx, CommandImport); err != nil {
		return err
	}

	storage := c.grid.Storage()
	for _, name := range ledger.MapNames(c.cfg.CrawlerID) {
		m := storage.Map(name)
		if err := m.Clear(ctx); err != nil {
			return fmt.Errorf("import %s: %w", name, err)
		}
		for key, value := range store.Maps[mapSuffix(c.cfg.CrawlerID, name)] {
			if err := m.Put(ctx, key, value); err != nil {
				return fmt.Errorf("import %s: %w", name, err)
			}
		}
	}
	if err := c.grid.Pipeline().Reset(ctx, ledger.StagePrefix(c.cfg.CrawlerID)); err != nil {
		return err
	}
	if store.Session != nil {
		rec := *store.Session
		err := c.grid.Compute().RunOnOne(ctx, session.LockName(c.cfg.CrawlerID), func(ctx context.Context) error {
			return grid.NewJSONMap[session.Session](storage.Map(session.MapName)).Put(ctx, c.cfg.CrawlerID, rec)
		})
		if err != nil {
			return fmt.Errorf("import session: %w", err)
		}
	}
	c.logger.Info("store imported", zap.String("file", file))
	return nil
}

// ValidateStore checks data against the embedded export schema.
func ValidateStore(data []byte) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("store.json", bytes.NewReader(storeSchema)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("store.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("unmarshal import: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("import does not match schema: %w", err)
	}
	return nil
}

func mapSuffix(crawlerID, name string) string {
	return strings.TrimPrefix(name, ledger.StagePrefix(crawlerID))
}
