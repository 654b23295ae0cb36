package tokenizer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// Fetch downloads url to outputPath. When progress is non-nil a percentage
// line is rewritten on it as the body arrives.
func Fetch(ctx context.Context, url, outputPath string, progress io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", outputPath, err)
	}
	defer out.Close()

	var dst io.Writer = out
	if progress != nil {
		dst = io.MultiWriter(out, &progressWriter{w: progress, total: resp.ContentLength})
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	if progress != nil {
		fmt.Fprintln(progress, "\nDownload complete.")
	}
	return out.Close()
}

type progressWriter struct {
	w     io.Writer
	total int64
	read  int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.read += int64(len(b))
	if p.total > 0 {
		fmt.Fprintf(p.w, "\rDownloading... %.2f%% complete", float64(p.read)/float64(p.total)*100)
	} else {
		fmt.Fprintf(p.w, "\rDownloading... %d bytes", p.read)
	}
	return len(b), nil
}
