package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// VerifyResult is the 1:1 scan-time verification outcome.
type VerifyResult struct {
	StudentID  string  `json:"student_id"`
	Confidence float64 `json:"confidence"`
	Threshold  float64 `json:"threshold"`
}

// MatchResult is the 1:N class-photo match outcome.
type MatchResult struct {
	MatchedStudentIDs []string `json:"matched_student_ids"`
	FacesDetected     int      `json:"faces_detected"`
}

// Client calls the external face recognition microservice. With Skip set it
// returns canned results so the core runs without the service (dev mode).
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. Per-call deadlines come from the caller's context;
// the transport timeout is only a safety net.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Verify runs 1:1 verification of a face sample against one student's
// reference and returns the match confidence.
func (c *Client) Verify(ctx context.Context, studentID, imageURL string) (float64, error) {
	if c.Skip {
		return 0.95, nil
	}
	if studentID == "" || imageURL == "" {
		return 0, fmt.Errorf("student id and image url required")
	}

	out := struct {
		Verified   bool    `json:"verified"`
		Similarity float64 `json:"similarity"`
	}{}
	payload := map[string]string{"user_id": studentID, "image_url": imageURL}
	if err := c.post(ctx, "/verify", payload, &out); err != nil {
		return 0, err
	}
	return out.Similarity, nil
}

// MatchClassPhoto runs 1:N identification of every face in the class photo
// against the roster's references and returns the matched student ids.
func (c *Client) MatchClassPhoto(ctx context.Context, photoURL string, rosterIDs []string) (MatchResult, error) {
	if c.Skip {
		return MatchResult{MatchedStudentIDs: rosterIDs, FacesDetected: len(rosterIDs)}, nil
	}
	if photoURL == "" {
		return MatchResult{}, fmt.Errorf("photo url required")
	}

	var out MatchResult
	payload := map[string]interface{}{
		"image_url": photoURL,
		"gallery":   rosterIDs,
	}
	if err := c.post(ctx, "/match", payload, &out); err != nil {
		return MatchResult{}, err
	}
	return out, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
