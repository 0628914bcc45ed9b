package crewdeck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// MaxUploadSize is the largest attachment the API accepts.
const MaxUploadSize = 50 * 1024 * 1024

// UploadAttachment uploads a file and returns its stored metadata. The file
// travels over HTTP; sockets only ever carry the returned metadata. MimeType
// is guessed from the file extension when empty.
func (c *Client) UploadAttachment(ctx context.Context, fileName, mimeType string, data []byte) (*Attachment, error) {
	if fileName == "" {
		return nil, fmt.Errorf("fileName is required")
	}
	if int64(len(data)) > MaxUploadSize {
		return nil, fmt.Errorf("file exceeds maximum size of 50 MB")
	}
	if mimeType == "" {
		mimeType = guessMimeType(fileName)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.WriteField("mimeType", mimeType)
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/uploads", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload response: %w", err)
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode upload response (status %d): %w", resp.StatusCode, err)
	}
	if result.QueuedOffline() {
		return nil, ErrQueuedOffline
	}
	if !result.OK {
		return nil, resultError(&result, "upload failed")
	}

	var att Attachment
	if err := result.Decode(&att); err != nil {
		return nil, fmt.Errorf("failed to decode attachment: %w", err)
	}
	return &att, nil
}

// UploadFile uploads a file from a local path, detecting name and MIME type
// from the path.
func (c *Client) UploadFile(ctx context.Context, filePath string) (*Attachment, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return c.UploadAttachment(ctx, filepath.Base(filePath), "", data)
}

// guessMimeType returns the MIME type for a file name by extension.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".webm": "video/webm",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
