// Package docling talks to a docling-serve instance and adapts the returned
// DoclingDocument to the extractor views.
package docling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/toricodesthings/document-ingestion-service/internal/docmodel"
)

var ErrConvertFailed = errors.New("docling conversion failed")

const (
	statusSuccess        = "success"
	statusPartialSuccess = "partial_success"
)

type Options struct {
	DoOCR            bool
	DoTableStructure bool
	ImagesScale      float64
	Timeout          time.Duration
	MaxResponseBytes int64
}

type Client struct {
	baseURL string
	apiKey  string
	opts    Options
	http    *http.Client
	logger  *slog.Logger
}

func New(baseURL, apiKey string, opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 150 * time.Second
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = 512 << 20
	}
	if opts.ImagesScale <= 0 {
		opts.ImagesScale = 2.0
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		opts:    opts,
		http:    &http.Client{Timeout: opts.Timeout},
		logger:  logger,
	}
}

type convertError struct {
	ComponentType string `json:"component_type"`
	ModuleName    string `json:"module_name"`
	ErrorMessage  string `json:"error_message"`
}

type convertResponse struct {
	Document struct {
		Filename    string    `json:"filename"`
		JSONContent *Document `json:"json_content"`
	} `json:"document"`
	Status         string         `json:"status"`
	Errors         []convertError `json:"errors"`
	ProcessingTime float64        `json:"processing_time"`
}

// Convert uploads one file to /v1/convert/file and returns the adapted
// document. The whole file is buffered; callers bound its size.
func (c *Client) Convert(ctx context.Context, name string, data []byte) (*docmodel.Document, error) {
	doc, err := c.ConvertRaw(ctx, name, data)
	if err != nil {
		return nil, err
	}
	return doc.Model(), nil
}

// ConvertRaw is Convert without the adaptation step.
func (c *Client) ConvertRaw(ctx context.Context, name string, data []byte) (*Document, error) {
	body, contentType, err := c.multipartBody(name, data)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/convert/file", body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "docingest/1.0")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("docling request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrConvertFailed, resp.StatusCode, strings.TrimSpace(string(slurp)))
	}

	lr := &io.LimitedReader{R: resp.Body, N: c.opts.MaxResponseBytes + 1}
	var parsed convertResponse
	if err := json.NewDecoder(lr).Decode(&parsed); err != nil {
		if lr.N <= 0 {
			return nil, fmt.Errorf("%w: response exceeds %dMB", ErrConvertFailed, c.opts.MaxResponseBytes>>20)
		}
		return nil, fmt.Errorf("decode docling response: %w", err)
	}

	switch parsed.Status {
	case statusSuccess:
	case statusPartialSuccess:
		c.logger.Warn("docling partial conversion",
			"file", name, "errors", len(parsed.Errors), "first_error", firstError(parsed.Errors))
	default:
		return nil, fmt.Errorf("%w: status %q: %s", ErrConvertFailed, parsed.Status, firstError(parsed.Errors))
	}
	if parsed.Document.JSONContent == nil {
		return nil, fmt.Errorf("%w: response has no json_content", ErrConvertFailed)
	}

	c.logger.Debug("docling converted",
		"file", name, "status", parsed.Status, "processing_s", parsed.ProcessingTime)
	return parsed.Document.JSONContent, nil
}

func (c *Client) multipartBody(name string, data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"to_formats", "json"},
		{"image_export_mode", "embedded"},
		{"include_images", "true"},
		{"do_ocr", strconv.FormatBool(c.opts.DoOCR)},
		{"do_table_structure", strconv.FormatBool(c.opts.DoTableStructure)},
		{"images_scale", strconv.FormatFloat(c.opts.ImagesScale, 'f', -1, 64)},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("multipart field %s: %w", f[0], err)
		}
	}

	part, err := w.CreateFormFile("files", name)
	if err != nil {
		return nil, "", fmt.Errorf("multipart file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("multipart file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("multipart close: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func firstError(errs []convertError) string {
	if len(errs) == 0 {
		return "no error detail"
	}
	e := errs[0]
	if e.ModuleName != "" {
		return e.ModuleName + ": " + e.ErrorMessage
	}
	return e.ErrorMessage
}
