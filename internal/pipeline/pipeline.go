// =============================================================================
// tallysync - Pipeline
// =============================================================================
//
// The pipeline runs one entity kind end to end. It owns no protocol details:
// fetching, upserting and reference lookups are collaborators behind small
// interfaces, so the same pipeline drives a live sync and the tests.
//
// SYNC PIPELINE (per entity kind):
//   1. Build the schema (fields template merged, paths compiled)
//   2. Fetch the export document from the source
//   3. Repair it with the entity's recovery rules
//   4. Extract records lazily, in document order
//   5. Map each record to a destination payload
//   6. Hold records with vocabulary gaps unless forwarding is enabled
//   7. Skip records whose natural key already exists, create the rest and
//      submit them when the mapping asks for it
//
// FAILURE POLICY:
//   Only a recovery failure (or a failed fetch) stops an entity kind. Every
//   per-record problem is counted and reported, and the run moves on.
//
// =============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ginjaninja78/tallysync/internal/config"
	"github.com/ginjaninja78/tallysync/internal/erpnext"
	"github.com/ginjaninja78/tallysync/internal/export"
	"github.com/ginjaninja78/tallysync/internal/extractor"
	"github.com/ginjaninja78/tallysync/internal/mapping"
	"github.com/ginjaninja78/tallysync/internal/recovery"
	"github.com/ginjaninja78/tallysync/internal/xlsxparser"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Source fetches the raw export document of an entity kind.
type Source interface {
	Fetch(ctx context.Context, cfg *config.EntityConfig) ([]byte, error)
}

// Destination receives mapped documents.
type Destination interface {
	Exists(ctx context.Context, doctype, field, value string) (bool, error)

	// Create returns the new document's name. A duplicate must be reported
	// as erpnext.ErrConflict.
	Create(ctx context.Context, doctype string, doc map[string]any) (string, error)

	Submit(ctx context.Context, doctype, name string) error
}

// ResolverProvider is implemented by destinations that can look up
// documents they already hold.
type ResolverProvider interface {
	Resolver(doctype, by string) extractor.ReferenceResolver
}

// =============================================================================
// RESULT STRUCTURE
// =============================================================================

// Stats counts what happened to the entities of one document.
type Stats struct {
	// Entities is the number of entity elements in the document.
	Entities int

	// Extracted records survived extraction. Dropped did not.
	Extracted int
	Dropped   int

	// Mapped records produced a destination payload.
	Mapped int

	// Held records had vocabulary gaps and were not sent.
	Held int

	// Skipped records already existed at the destination.
	Skipped int

	Created   int
	Submitted int

	// Failed counts mapping, lookup, create and submit failures.
	Failed int

	LineItems int
}

// Failure is a per-record problem that did not stop the run.
type Failure struct {
	Key      string
	Position int

	// Step is "map", "exists", "create" or "submit".
	Step string

	Err error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s #%d (%s): %v", f.Step, f.Position, f.Key, f.Err)
}

// Result is the outcome of running one entity kind.
type Result struct {
	Entity string

	// Err is set when the entity kind stopped early: schema, fetch,
	// recovery or context errors.
	Err error

	Stats       Stats
	Diagnostics []extractor.Diagnostic
	Failures    []Failure

	Duration time.Duration
}

// =============================================================================
// PIPELINE
// =============================================================================

// Options tunes a Pipeline.
type Options struct {
	// DryRun stops after mapping. Nothing is sent to the destination.
	DryRun bool

	// ForwardVocabularyGaps sends records with vocabulary gaps anyway.
	ForwardVocabularyGaps bool

	// Resolver overrides reference lookups. When nil and the destination
	// implements ResolverProvider, the destination is asked.
	Resolver extractor.ReferenceResolver
}

// Pipeline runs entity kinds. It is safe for concurrent use as long as its
// collaborators are.
type Pipeline struct {
	source Source
	dest   Destination
	opts   Options
	log    *zap.Logger
}

// New creates a Pipeline. source and dest may be nil for offline use.
func New(source Source, dest Destination, log *zap.Logger, opts Options) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{source: source, dest: dest, opts: opts, log: log}
}

// BuildSchema merges the entity's fields template and compiles the result.
func BuildSchema(cfg *config.EntityConfig) (*extractor.Schema, error) {
	merged, err := xlsxparser.Apply(cfg)
	if err != nil {
		return nil, err
	}
	return extractor.Compile(merged)
}

// Run executes the sync pipeline for one entity kind.
func (p *Pipeline) Run(ctx context.Context, cfg *config.EntityConfig) Result {
	start := time.Now()
	result := Result{Entity: cfg.Name}
	log := p.log.With(zap.String("entity", cfg.Name))

	defer func() {
		result.Duration = time.Since(start)
	}()

	// =========================================================================
	// STEP 1: SCHEMA
	// =========================================================================

	schema, err := BuildSchema(cfg)
	if err != nil {
		result.Err = fmt.Errorf("failed to build schema: %w", err)
		return result
	}

	// =========================================================================
	// STEP 2: FETCH
	// =========================================================================

	if p.source == nil {
		result.Err = errors.New("no source configured")
		return result
	}
	raw, err := p.source.Fetch(ctx, cfg)
	if err != nil {
		result.Err = fmt.Errorf("failed to fetch: %w", err)
		return result
	}

	// =========================================================================
	// STEPS 3-5: REPAIR, EXTRACT, MAP
	// =========================================================================

	batch, err := p.Extract(ctx, cfg, schema, raw)
	if batch != nil {
		result.Stats = batch.Stats
		result.Diagnostics = batch.Diagnostics
		result.Failures = batch.Failures
	}
	if err != nil {
		result.Err = err
		return result
	}

	log.Info("Extracted records",
		zap.Int("entities", batch.Stats.Entities),
		zap.Int("records", batch.Stats.Extracted),
		zap.Int("dropped", batch.Stats.Dropped),
		zap.Int("diagnostics", len(batch.Diagnostics)))

	if p.opts.DryRun {
		for _, e := range batch.Entries {
			if e.Payload != nil && e.Record.HasGaps() && !p.opts.ForwardVocabularyGaps {
				result.Stats.Held++
			}
		}
		return result
	}

	// =========================================================================
	// STEPS 6-7: UPSERT
	// =========================================================================

	if p.dest == nil {
		result.Err = errors.New("no destination configured")
		return result
	}

	for _, e := range batch.Entries {
		if err := ctx.Err(); err != nil {
			result.Err = err
			return result
		}
		if e.Payload == nil {
			// Mapping failed, already counted.
			continue
		}
		p.upsert(ctx, log, cfg.Destination, e, &result)
	}

	log.Info("Synced entity",
		zap.Int("created", result.Stats.Created),
		zap.Int("skipped", result.Stats.Skipped),
		zap.Int("held", result.Stats.Held),
		zap.Int("failed", result.Stats.Failed))

	return result
}

func (p *Pipeline) upsert(ctx context.Context, log *zap.Logger, dest config.DestinationMapping, e export.Entry, result *Result) {
	rec := e.Record
	fail := func(step string, err error) {
		result.Stats.Failed++
		result.Failures = append(result.Failures, Failure{Key: rec.Key, Position: rec.Position, Step: step, Err: err})
		log.Warn("Record failed",
			zap.String("step", step),
			zap.String("key", rec.Key),
			zap.Int("position", rec.Position),
			zap.Error(err))
	}

	if rec.HasGaps() && !p.opts.ForwardVocabularyGaps {
		result.Stats.Held++
		log.Warn("Holding record with vocabulary gaps",
			zap.String("key", rec.Key),
			zap.Strings("fields", rec.Gaps))
		return
	}

	key := e.Payload.NaturalKey(dest)
	if key == "" {
		fail("exists", fmt.Errorf("natural key %s is empty", dest.NaturalKey))
		return
	}

	exists, err := p.dest.Exists(ctx, dest.Doctype, dest.NaturalKey, key)
	if err != nil {
		fail("exists", err)
		return
	}
	if exists {
		result.Stats.Skipped++
		log.Debug("Record already exists", zap.String("key", key))
		return
	}

	name, err := p.dest.Create(ctx, dest.Doctype, e.Payload)
	if errors.Is(err, erpnext.ErrConflict) {
		result.Stats.Skipped++
		log.Debug("Record created concurrently", zap.String("key", key))
		return
	}
	if err != nil {
		fail("create", err)
		return
	}
	result.Stats.Created++

	if !dest.Submit {
		return
	}
	if err := p.dest.Submit(ctx, dest.Doctype, name); err != nil {
		fail("submit", err)
		return
	}
	result.Stats.Submitted++
}

// =============================================================================
// EXTRACTION
// =============================================================================

// Batch is the extracted and mapped content of one document.
type Batch struct {
	Entries     []export.Entry
	Diagnostics []extractor.Diagnostic
	Failures    []Failure
	Stats       Stats
}

// Extract repairs raw, extracts every record with schema and maps it. A
// record whose mapping fails is kept without a payload and listed in
// Failures. The returned error is a *recovery.Error or a context error; on
// a context error the partial batch is returned too.
func (p *Pipeline) Extract(ctx context.Context, cfg *config.EntityConfig, schema *extractor.Schema, raw []byte) (*Batch, error) {
	log := p.log.With(zap.String("entity", cfg.Name))

	doc, err := recovery.NewNormalizer(recovery.DefaultRules(cfg.Recovery), log).Normalize(raw)
	if err != nil {
		return nil, err
	}

	var opts []extractor.Option
	if r := p.resolverFor(cfg); r != nil {
		opts = append(opts, extractor.WithResolver(r))
	}
	stream := extractor.New(log, opts...).Extract(ctx, doc, schema)

	batch := &Batch{}
	for stream.Next() {
		rec := stream.Record()
		batch.Stats.Extracted++
		for _, items := range rec.Collections {
			batch.Stats.LineItems += len(items)
		}

		payload, err := mapping.Build(rec, cfg.Destination)
		if err != nil {
			batch.Stats.Failed++
			batch.Failures = append(batch.Failures, Failure{Key: rec.Key, Position: rec.Position, Step: "map", Err: err})
			log.Warn("Record could not be mapped",
				zap.String("key", rec.Key),
				zap.Int("position", rec.Position),
				zap.Error(err))
			batch.Entries = append(batch.Entries, export.Entry{Record: rec})
			continue
		}
		batch.Stats.Mapped++
		batch.Entries = append(batch.Entries, export.Entry{Record: rec, Payload: payload})
	}

	batch.Diagnostics = stream.Diagnostics()
	batch.Stats.Entities = stream.Total()
	batch.Stats.Dropped = extractor.Count(batch.Diagnostics, extractor.EntityDropped)

	return batch, stream.Err()
}

// resolverFor picks the reference resolver for cfg's resolve rule, if any.
func (p *Pipeline) resolverFor(cfg *config.EntityConfig) extractor.ReferenceResolver {
	if p.opts.Resolver != nil {
		return p.opts.Resolver
	}
	provider, ok := p.dest.(ResolverProvider)
	if !ok {
		return nil
	}
	for _, c := range cfg.Collections {
		if c.Resolve != nil {
			return provider.Resolver(c.Resolve.Doctype, c.Resolve.By)
		}
	}
	return nil
}
