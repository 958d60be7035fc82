package apicompat

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

const defaultRequestTimeout = 10 * time.Second

type compatClient struct {
	baseURL string
	client  *http.Client
}

func newCompatClient(t *testing.T) *compatClient {
	t.Helper()
	baseURL := strings.TrimRight(os.Getenv("COMPAT_BASE_URL"), "/")
	if baseURL == "" {
		t.Skip("set COMPAT_BASE_URL to run against a live server")
	}
	client := &http.Client{Timeout: defaultRequestTimeout}

	if !isReachable(client, baseURL+"/") {
		t.Skipf("server not reachable at %s", baseURL)
	}

	return &compatClient{
		baseURL: baseURL,
		client:  client,
	}
}

// requireDetection skips tests that need the PPE detector and pose model.
func requireDetection(t *testing.T) {
	t.Helper()
	if os.Getenv("COMPAT_DETECT") == "" {
		t.Skip("set COMPAT_DETECT=1 when the PPE detector is running")
	}
}

func isReachable(client *http.Client, url string) bool {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

func (c *compatClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return c.do(t, req)
}

func (c *compatClient) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(t, req)
}

func (c *compatClient) do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

func (c *compatClient) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(c.baseURL, "http") + path
}

// sampleImage returns a small gray PNG as base64. It contains no people.
func sampleImage(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: 120, G: 120, B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func readSSEEvent(ctx context.Context, url, accept string) (string, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 256)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			// skip keepalive comments
			for {
				idx := bytes.Index(buf, []byte("\n\n"))
				if idx < 0 {
					break
				}
				event := string(buf[:idx])
				buf = buf[idx+2:]
				if strings.HasPrefix(event, "data:") {
					return event, resp.Header, nil
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
	}
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireBool(t *testing.T, value any, field string) bool {
	t.Helper()
	b, ok := value.(bool)
	if !ok {
		t.Fatalf("expected %s to be bool, got %T", field, value)
	}
	return b
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func assertCompactPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	status := requireMap(t, payload["ppe_status"], "ppe_status")
	for _, c := range []string{"helmet", "glasses", "gloves", "boots", "vest", "shirt", "pants", "mask", "complete"} {
		requireBool(t, status[c], "ppe_status."+c)
	}
	complete := requireBool(t, status["complete"], "ppe_status.complete")
	compliant := requireBool(t, payload["is_compliant"], "is_compliant")
	if complete != compliant {
		t.Fatalf("ppe_status.complete=%v but is_compliant=%v", complete, compliant)
	}
	requireBool(t, payload["has_person"], "has_person")
	requireSlice(t, payload["detections"], "detections")
	requireSlice(t, payload["missing"], "missing")
	requireSlice(t, payload["body_regions"], "body_regions")
	requireNumber(t, payload["image_width"], "image_width")
	requireNumber(t, payload["image_height"], "image_height")
	requireNumber(t, payload["processing_time"], "processing_time")
}

func assertVerdictPayload(t *testing.T, payload map[string]any, field string) {
	t.Helper()
	requireString(t, payload["id"], field+".id")
	requireString(t, payload["source"], field+".source")
	requireNumber(t, payload["timestamp"], field+".timestamp")
	requireNumber(t, payload["persons_count"], field+".persons_count")
	requireBool(t, payload["compliant"], field+".compliant")
	requireSlice(t, payload["missing"], field+".missing")
	requireMap(t, payload["detected"], field+".detected")
}
