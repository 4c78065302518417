package contextbuilder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// defaultProfileFetcher resolves a life-profile reference that is either a
// local filesystem path or an http(s) URL, matching the two forms §6's
// "path/URL to a profile document" allows.
type defaultProfileFetcher struct{}

func (defaultProfileFetcher) Fetch(ctx context.Context, ref string) (string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return fetchHTTPProfile(ctx, ref)
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("reading profile %s: %w", ref, err)
	}
	return string(data), nil
}

func fetchHTTPProfile(ctx context.Context, ref string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching profile %s: %w", ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching profile %s: status %d", ref, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading profile body %s: %w", ref, err)
	}
	return string(body), nil
}
