// Package pipeline runs one document through conversion and extraction.
// A Processor holds its collaborators and a conversion gate; it keeps no
// per-document state between calls.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/toricodesthings/document-ingestion-service/internal/docmodel"
	"github.com/toricodesthings/document-ingestion-service/internal/extract"
	"github.com/toricodesthings/document-ingestion-service/internal/format"
	"github.com/toricodesthings/document-ingestion-service/internal/types"
)

var (
	ErrConversion = errors.New("conversion failed")
	ErrStorage    = errors.New("object storage failed")
	ErrCapacity   = errors.New("conversion at capacity")
	ErrNoStore    = errors.New("object storage not configured")
	ErrBadInput   = errors.New("invalid input")
)

type Converter interface {
	Convert(ctx context.Context, name string, data []byte) (*docmodel.Document, error)
}

type ObjectStore interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

type Processor struct {
	conv   Converter
	store  ObjectStore
	gate   *semaphore.Weighted
	logger *slog.Logger
}

// New builds a Processor. store may be nil when the deployment does not
// serve object requests; maxConvert <= 0 means one conversion at a time.
func New(conv Converter, store ObjectStore, maxConvert int64, logger *slog.Logger) *Processor {
	if maxConvert <= 0 {
		maxConvert = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		conv:   conv,
		store:  store,
		gate:   semaphore.NewWeighted(maxConvert),
		logger: logger,
	}
}

// Process converts an uploaded file and returns the full envelope.
func (p *Processor) Process(ctx context.Context, name string, data []byte) (types.ProcessResponse, error) {
	if len(data) == 0 {
		return types.ProcessResponse{}, fmt.Errorf("%w: empty file", ErrBadInput)
	}

	start := time.Now()
	doc, err := p.convert(ctx, name, data)
	if err != nil {
		return types.ProcessResponse{}, err
	}
	defer doc.Close()

	resp := format.Envelope(name, doc)
	p.logger.InfoContext(ctx, "document processed",
		"file", name,
		"pages", resp.Meta.Pages,
		"paragraphs", len(resp.Paragraphs),
		"tables", len(resp.Tables),
		"key_values", len(resp.KeyValues),
		"images", len(resp.Images),
		"images_failed", extract.Failed(resp.Images),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

// ProcessObject fetches objectName from storage and returns its tables. The
// response names the object exactly as requested.
func (p *Processor) ProcessObject(ctx context.Context, requested string) (types.TablesResponse, error) {
	objectName := strings.TrimSpace(requested)
	if objectName == "" {
		return types.TablesResponse{}, fmt.Errorf("%w: object_name required", ErrBadInput)
	}
	if p.store == nil {
		return types.TablesResponse{}, ErrNoStore
	}

	start := time.Now()
	data, err := p.store.Fetch(ctx, objectName)
	if err != nil {
		return types.TablesResponse{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	// The converter sniffs formats by extension, so pass the base name.
	name := path.Base(objectName)
	doc, err := p.convert(ctx, name, data)
	if err != nil {
		return types.TablesResponse{}, err
	}
	defer doc.Close()

	resp := format.TablesOnly(requested, doc)
	p.logger.InfoContext(ctx, "object processed",
		"object", objectName,
		"bytes", len(data),
		"tables", resp.NumTables,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

func (p *Processor) convert(ctx context.Context, name string, data []byte) (*docmodel.Document, error) {
	if err := p.gate.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapacity, err)
	}
	defer p.gate.Release(1)

	doc, err := p.conv.Convert(ctx, name, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConversion, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: converter returned no document", ErrConversion)
	}
	return doc, nil
}
