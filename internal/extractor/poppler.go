package extractor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
)

// TextForPage runs pdftotext on a single page and returns its text in
// reading order.
func TextForPage(ctx context.Context, pdfPath string, page int) (string, error) {
	cmd := exec.CommandContext(ctx,
		"pdftotext",
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		"-enc", "UTF-8",
		pdfPath,
		"-",
	)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("pdftotext page %d: %w", page, err)
	}
	return string(out), nil
}

// RenderPage rasterizes one page with pdftoppm and returns the PNG bytes.
func RenderPage(ctx context.Context, pdfPath string, page, dpi int) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx,
		"pdftoppm",
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		"-r", strconv.Itoa(dpi),
		"-png",
		"-singlefile",
		pdfPath,
	)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("pdftoppm page %d: %w: %s", page, err, bytes.TrimSpace(stderr.Bytes()))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("pdftoppm page %d: empty output", page)
	}
	return out, nil
}
