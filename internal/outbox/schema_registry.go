package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// SchemaRegistryClient speaks the small slice of the Confluent Schema
// Registry API the dispatcher needs: resolve a subject to a schema id,
// registering the schema when the subject is new.
type SchemaRegistryClient struct {
	baseURL string
	client  *http.Client

	mu  sync.Mutex
	ids map[string]int
}

// NewSchemaRegistryClient constructs a client for the registry at baseURL.
func NewSchemaRegistryClient(baseURL string) *SchemaRegistryClient {
	return &SchemaRegistryClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		ids:     make(map[string]int),
	}
}

// EnsureSchema returns the id registered for the subject, registering the
// provided schema when the subject has no versions yet. Resolved ids are
// cached for the life of the client; subjects never change ids in place.
func (c *SchemaRegistryClient) EnsureSchema(ctx context.Context, subject, schema string) (int, error) {
	c.mu.Lock()
	if id, ok := c.ids[subject]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	id, err := c.latestID(ctx, subject)
	if err != nil {
		id, err = c.registerSchema(ctx, subject, schema)
		if err != nil {
			return 0, err
		}
	}

	c.mu.Lock()
	c.ids[subject] = id
	c.mu.Unlock()
	return id, nil
}

func (c *SchemaRegistryClient) latestID(ctx context.Context, subject string) (int, error) {
	return c.schemaIDRequest(ctx, http.MethodGet,
		fmt.Sprintf("%s/subjects/%s/versions/latest", c.baseURL, subject), nil)
}

func (c *SchemaRegistryClient) registerSchema(ctx context.Context, subject, schema string) (int, error) {
	body, err := json.Marshal(map[string]any{
		"schemaType": "JSON",
		"schema":     schema,
	})
	if err != nil {
		return 0, err
	}
	return c.schemaIDRequest(ctx, http.MethodPost,
		fmt.Sprintf("%s/subjects/%s/versions", c.baseURL, subject), body)
}

func (c *SchemaRegistryClient) schemaIDRequest(ctx context.Context, method, url string, body []byte) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/vnd.schemaregistry.v1+json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("schema registry: %s %s: status %d: %s", method, url, resp.StatusCode, data)
	}

	var payload struct {
		ID int `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, err
	}
	return payload.ID, nil
}
