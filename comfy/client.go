package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"imageflow/logging"
	"imageflow/pipeline"
)

// Client is the request/response side of the generation server: model
// listings, pipeline submission, interrupts and artifact retrieval over
// HTTP, adjacent to the WebSocket event stream.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewClient creates a Client for the server at baseURL (no trailing slash
// required).
func NewClient(baseURL string, logger *logging.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger.Named("client"),
	}
}

// Artifact is one raw binary output of a completed generation, prior to
// persistence.
type Artifact struct {
	Filename  string
	Subfolder string
	Data      []byte
}

// SystemStats mirrors the server's /system_stats response.
type SystemStats struct {
	System struct {
		OS           string `json:"os"`
		RAMTotal     int64  `json:"ram_total"`
		RAMFree      int64  `json:"ram_free"`
		ComfyVersion string `json:"comfyui_version"`
	} `json:"system"`
	Devices []struct {
		Name       string `json:"name"`
		Type       string `json:"type"`
		VRAMTotal  int64  `json:"vram_total"`
		VRAMFree   int64  `json:"vram_free"`
		TorchVRAM  int64  `json:"torch_vram_total"`
		TorchVFree int64  `json:"torch_vram_free"`
	} `json:"devices"`
}

// FreeOptions selects what the server should release on a free request.
type FreeOptions struct {
	FreeMemory   bool `json:"free_memory"`
	UnloadModels bool `json:"unload_models"`
}

// ListModels returns the checkpoint models available on the server.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	return c.listFolder(ctx, "checkpoints")
}

// ListLoRAs returns the adapter-weight models available on the server.
func (c *Client) ListLoRAs(ctx context.Context) ([]string, error) {
	return c.listFolder(ctx, "loras")
}

// ListVAEs returns the VAE models available on the server.
func (c *Client) ListVAEs(ctx context.Context) ([]string, error) {
	return c.listFolder(ctx, "vae")
}

// ListControlNetModels returns the region-guide conditioning models.
func (c *Client) ListControlNetModels(ctx context.Context) ([]string, error) {
	return c.listFolder(ctx, "controlnet")
}

// ListUpscaleModels returns the upscaling models available on the server.
func (c *Client) ListUpscaleModels(ctx context.Context) ([]string, error) {
	return c.listFolder(ctx, "upscale_models")
}

// listFolder queries one of the server's model folders.
func (c *Client) listFolder(ctx context.Context, folder string) ([]string, error) {
	var names []string
	if err := c.getJSON(ctx, "/models/"+folder, &names); err != nil {
		return nil, fmt.Errorf("comfy: failed to list %s: %w", folder, err)
	}
	return names, nil
}

// GetSystemStats returns the server's resource snapshot.
func (c *Client) GetSystemStats(ctx context.Context) (*SystemStats, error) {
	var stats SystemStats
	if err := c.getJSON(ctx, "/system_stats", &stats); err != nil {
		return nil, fmt.Errorf("comfy: failed to get system stats: %w", err)
	}
	return &stats, nil
}

// SubmitPipeline uploads the pipeline's image payloads, resolves the
// request graph and submits it for execution. Returns the server-assigned
// prompt id used to correlate pushed events and retrieve artifacts.
func (c *Client) SubmitPipeline(ctx context.Context, pl *pipeline.Pipeline, clientID string) (string, error) {
	names := make(map[string]string)

	if stage, ok := pl.StageByKind(pipeline.StageReferenceImage); ok {
		uploaded, err := c.UploadImage(ctx, "reference.png", stage.Image)
		if err != nil {
			return "", fmt.Errorf("comfy: failed to upload reference image: %w", err)
		}
		names[pipeline.PlaceholderReferenceImage] = uploaded
	}
	if stage, ok := pl.StageByKind(pipeline.StageRegionGuide); ok {
		uploaded, err := c.UploadImage(ctx, "guide.png", stage.Image)
		if err != nil {
			return "", fmt.Errorf("comfy: failed to upload guide image: %w", err)
		}
		names[pipeline.PlaceholderRegionGuide] = uploaded
	}

	graph, err := pl.Graph.ResolveImages(names)
	if err != nil {
		return "", err
	}

	payload := map[string]any{
		"prompt":    graph,
		"client_id": clientID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("comfy: failed to encode submission: %w", err)
	}

	var result struct {
		PromptID string `json:"prompt_id"`
		Error    *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := c.postJSON(ctx, "/prompt", body, &result); err != nil {
		return "", fmt.Errorf("comfy: submission failed: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("comfy: server rejected pipeline: %s: %s", result.Error.Type, result.Error.Message)
	}
	if result.PromptID == "" {
		return "", fmt.Errorf("comfy: submission response missing prompt id")
	}

	c.logger.Debug("pipeline submitted", zap.String("prompt_id", result.PromptID))
	return result.PromptID, nil
}

// Interrupt asks the server to abort its current work. Best effort by
// contract; callers log failures rather than propagate them.
func (c *Client) Interrupt(ctx context.Context) error {
	if err := c.postJSON(ctx, "/interrupt", nil, nil); err != nil {
		return fmt.Errorf("comfy: interrupt failed: %w", err)
	}
	return nil
}

// Free asks the server to release memory and/or unload models.
func (c *Client) Free(ctx context.Context, opts FreeOptions) error {
	body, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("comfy: failed to encode free request: %w", err)
	}
	if err := c.postJSON(ctx, "/free", body, nil); err != nil {
		return fmt.Errorf("comfy: free failed: %w", err)
	}
	return nil
}

// UploadImage stores an image on the server for use by LoadImage nodes and
// returns the server-side filename.
func (c *Client) UploadImage(ctx context.Context, name string, data []byte) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("image", name)
	if err != nil {
		return "", fmt.Errorf("comfy: failed to build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("comfy: failed to write upload payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("comfy: failed to finish upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", &buf)
	if err != nil {
		return "", fmt.Errorf("comfy: failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("comfy: upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("comfy: upload returned status %d", resp.StatusCode)
	}

	var result struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("comfy: malformed upload response: %w", err)
	}
	if result.Name == "" {
		return "", fmt.Errorf("comfy: upload response missing name")
	}
	return result.Name, nil
}

// historyEntry is the subset of a /history record the client reads.
type historyEntry struct {
	Outputs map[string]struct {
		Images []struct {
			Filename  string `json:"filename"`
			Subfolder string `json:"subfolder"`
			Type      string `json:"type"`
		} `json:"images"`
	} `json:"outputs"`
}

// FetchArtifacts retrieves the binary outputs of a completed prompt:
// the history record lists the produced files, each fetched via /view.
func (c *Client) FetchArtifacts(ctx context.Context, promptID string) ([]Artifact, error) {
	var history map[string]historyEntry
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(promptID), &history); err != nil {
		return nil, fmt.Errorf("comfy: failed to fetch history for prompt %s: %w", promptID, err)
	}

	entry, ok := history[promptID]
	if !ok {
		return nil, fmt.Errorf("comfy: no history record for prompt %s", promptID)
	}

	var artifacts []Artifact
	for _, output := range entry.Outputs {
		for _, img := range output.Images {
			if img.Type == "temp" {
				// Preview outputs are not artifacts.
				continue
			}
			data, err := c.View(ctx, img.Filename, img.Subfolder, img.Type)
			if err != nil {
				return nil, fmt.Errorf("comfy: failed to fetch artifact %s: %w", img.Filename, err)
			}
			artifacts = append(artifacts, Artifact{
				Filename:  img.Filename,
				Subfolder: img.Subfolder,
				Data:      data,
			})
		}
	}

	if len(artifacts) == 0 {
		return nil, fmt.Errorf("comfy: prompt %s completed with no artifacts", promptID)
	}
	return artifacts, nil
}

// View downloads one produced file.
func (c *Client) View(ctx context.Context, filename, subfolder, kind string) ([]byte, error) {
	query := url.Values{}
	query.Set("filename", filename)
	query.Set("subfolder", subfolder)
	query.Set("type", kind)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("comfy: failed to build view request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("comfy: view request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("comfy: view returned status %d for %s", resp.StatusCode, filename)
	}
	return io.ReadAll(resp.Body)
}

// getJSON performs a GET and decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	return nil
}

// postJSON performs a POST with an optional JSON body, decoding into out
// when out is non-nil.
func (c *Client) postJSON(ctx context.Context, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("malformed response: %w", err)
		}
	}
	return nil
}
