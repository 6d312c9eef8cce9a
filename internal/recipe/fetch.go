package recipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sigreer/deploykit/internal/version"
)

// DefaultManifestURL is where the release manifest is published
const DefaultManifestURL = "https://releases.aosc.io/manifest/recipe.json"

// maxManifestSize bounds how much of a manifest response is read
const maxManifestSize = 16 << 20

// ErrParse is returned when the manifest body does not match the schema
var ErrParse = errors.New("malformed manifest")

// NetworkError describes a failed HTTP exchange. Status is zero when no
// response was received.
type NetworkError struct {
	URL    string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// userAgentTransport stamps every request with the DeployKit user agent
type userAgentTransport struct {
	next http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", version.UserAgent())
	return t.next.RoundTrip(req)
}

// NewHTTPClient returns a client that identifies itself as DeployKit.
// A zero timeout means no overall request deadline.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: userAgentTransport{next: http.DefaultTransport},
	}
}

// Get performs a GET and returns the response if the status is 2xx.
// The caller closes the body.
func Get(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &NetworkError{URL: url, Status: resp.StatusCode}
	}
	return resp, nil
}

// FetchRecipe downloads and decodes the manifest at url
func FetchRecipe(ctx context.Context, client *http.Client, url string) (*Recipe, error) {
	resp, err := Get(ctx, client, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}

	var r Recipe
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", url, ErrParse, err)
	}
	if field := missingField(body); field != "" {
		return nil, fmt.Errorf("%s: %w: missing %s", url, ErrParse, field)
	}
	return &r, nil
}

// manifestShape records which required manifest members are present.
// json.Unmarshal leaves absent members zero, so presence is checked
// separately from decoding.
type manifestShape struct {
	Version  json.RawMessage `json:"version"`
	Bulletin json.RawMessage `json:"bulletin"`
	Variants []struct {
		Name     json.RawMessage `json:"name"`
		Tarballs json.RawMessage `json:"tarballs"`
	} `json:"variants"`
	Mirrors json.RawMessage `json:"mirrors"`
}

// missingField returns the first required member absent from body, or ""
func missingField(body []byte) string {
	var shape manifestShape
	if err := json.Unmarshal(body, &shape); err != nil {
		return "manifest object"
	}
	switch {
	case absent(shape.Version):
		return "version"
	case absent(shape.Bulletin):
		return "bulletin"
	case shape.Variants == nil:
		return "variants"
	case absent(shape.Mirrors):
		return "mirrors"
	}
	for i, v := range shape.Variants {
		if absent(v.Name) {
			return fmt.Sprintf("variants[%d].name", i)
		}
		if absent(v.Tarballs) {
			return fmt.Sprintf("variants[%d].tarballs", i)
		}
	}
	return ""
}

func absent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
