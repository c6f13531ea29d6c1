package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"

	"pinner/pkg/pin"
)

const (
	mediaTypeVideoStoryPin = "video-story-pin"
	mediaTypeImageStoryPin = "image-story-pin"

	registerEndpoint = "/resource/ApiResource/create/"
	confirmEndpoint  = "/resource/VIPResource/get/"
	createEndpoint   = "/resource/StoryPinResource/create/"

	registerBatchPath = "/v3/media/uploads/register/batch/"

	// Canvas shape used when the source media dimensions are unknown.
	defaultCanvasAspectRatio = 0.5625
)

// uploadTarget is one entry of the register-batch response: where to send
// the bytes and the signed form fields to send with them.
type uploadTarget struct {
	UploadParameters map[string]string `json:"upload_parameters"`
	UploadURL        string            `json:"upload_url"`
}

// uploadParameterOrder is the field order the signed POST policy expects.
var uploadParameterOrder = []string{
	"x-amz-date",
	"x-amz-signature",
	"x-amz-security-token",
	"x-amz-algorithm",
	"key",
	"policy",
	"x-amz-credential",
}

// UploadVideo pushes one video through the full pipeline: register the
// upload, transfer the bytes, confirm processing, register and transfer a
// poster frame, then create the pin. It returns the new pin's id.
func (c *Client) UploadVideo(ctx context.Context, req pin.UploadRequest, boardID string) (string, error) {
	info, err := c.prober.Probe(ctx, req.FilePath)
	if err != nil {
		return "", &StageError{Stage: StageRegister, Err: fmt.Errorf("probe video: %w", err)}
	}
	c.logger.Debug("Probed video", "file", filepath.Base(req.FilePath),
		"duration_ms", info.DurationMs, "width", info.Width, "height", info.Height)

	token := uuid.NewString()
	mediaInfo := []map[string]any{{
		"id":         token,
		"media_type": mediaTypeVideoStoryPin,
		"upload_aux_data": map[string]any{
			"clips": []map[string]any{{
				"durationMs":       info.DurationMs,
				"isFromImage":      false,
				"startTimestampMs": -1,
			}},
		},
	}}
	targets, err := c.registerUploads(ctx, mediaInfo)
	if err != nil {
		return "", &StageError{Stage: StageRegister, Err: err}
	}
	target, ok := targets[token]
	if !ok {
		return "", &StageError{Stage: StageRegister, Err: fmt.Errorf("response missing upload token %s", token)}
	}
	c.pause(ctx)

	etag, err := c.transfer(ctx, c.mediaUploadURL, target, req.FilePath)
	if err != nil {
		return "", &StageError{Stage: StageTransfer, Err: err}
	}
	videoSignature := strings.Trim(etag, `"`)
	uploadID := uploadIDFromKey(target.UploadParameters["key"])
	if uploadID == "" {
		return "", &StageError{Stage: StageTransfer, Err: fmt.Errorf("no upload id in key %q", target.UploadParameters["key"])}
	}
	c.pause(ctx)

	// Processing confirmation is advisory. The platform finishes
	// transcoding on its own; a failed check should not sink the pin.
	if err := c.confirmUpload(ctx, uploadID); err != nil {
		c.logger.Warn("Upload confirmation failed, continuing", "upload_id", uploadID, "error", err)
	}

	posterSignature, err := c.uploadPosterFrame(ctx, req.FilePath)
	if err != nil {
		return "", &StageError{Stage: StagePoster, Err: err}
	}
	c.pause(ctx)

	storyPin := map[string]any{
		"metadata": map[string]any{
			"pin_title":           req.Title,
			"pin_image_signature": posterSignature,
			"canvas_aspect_ratio": info.AspectRatio(),
			"diy_data":            nil,
			"recipe_data":         nil,
			"template_type":       nil,
		},
		"pages": []map[string]any{{
			"blocks": []map[string]any{{
				"block_style":     map[string]any{"height": 100, "width": 100, "x_coord": 0, "y_coord": 0},
				"tracking_id":     uploadID,
				"video_signature": videoSignature,
				"type":            3,
			}},
			"clips": []map[string]any{{
				"clip_type":               1,
				"end_time_ms":             -1,
				"is_converted_from_image": false,
				"source_media_height":     info.Height,
				"source_media_width":      info.Width,
				"start_time_ms":           -1,
			}},
			"layout": 0,
			"style":  map[string]any{"background_color": "#FFFFFF"},
		}},
	}

	pinID, err := c.createStoryPin(ctx, req, boardID, storyPin)
	if err != nil {
		return "", &StageError{Stage: StageCreate, Err: err}
	}
	c.logger.Info("Video pin created", "pin_id", pinID, "board_id", boardID, "file", filepath.Base(req.FilePath))
	return pinID, nil
}

// UploadImage pushes one image pin: register an image upload, transfer the
// bytes, then create the pin around the stored image.
func (c *Client) UploadImage(ctx context.Context, req pin.UploadRequest, boardID string) (string, error) {
	signature, target, err := c.uploadImageAsset(ctx, req.FilePath)
	if err != nil {
		return "", err
	}
	c.pause(ctx)

	storyPin := map[string]any{
		"metadata": map[string]any{
			"pin_title":           req.Title,
			"pin_image_signature": signature,
			"canvas_aspect_ratio": defaultCanvasAspectRatio,
			"diy_data":            nil,
			"recipe_data":         nil,
			"template_type":       nil,
		},
		"pages": []map[string]any{{
			"blocks": []map[string]any{{
				"block_style":     map[string]any{"height": 100, "width": 100, "x_coord": 0, "y_coord": 0},
				"tracking_id":     uploadIDFromKey(target.UploadParameters["key"]),
				"image_signature": signature,
				"type":            2,
			}},
			"layout": 0,
			"style":  map[string]any{"background_color": "#FFFFFF"},
		}},
	}

	pinID, err := c.createStoryPin(ctx, req, boardID, storyPin)
	if err != nil {
		return "", &StageError{Stage: StageCreate, Err: err}
	}
	c.logger.Info("Image pin created", "pin_id", pinID, "board_id", boardID, "file", filepath.Base(req.FilePath))
	return pinID, nil
}

// uploadPosterFrame renders the video's first frame and stores it as the
// pin's cover image, returning the stored image's signature.
func (c *Client) uploadPosterFrame(ctx context.Context, videoPath string) (string, error) {
	framePath, err := c.frames.ExtractFrame(ctx, videoPath)
	if err != nil {
		return "", fmt.Errorf("extract poster frame: %w", err)
	}
	defer os.Remove(framePath)

	signature, _, err := c.uploadImageAsset(ctx, framePath)
	return signature, err
}

// uploadImageAsset registers and transfers one image. Image registrations
// come back as a pair of targets; the second one carries the usable signed
// parameters.
func (c *Client) uploadImageAsset(ctx context.Context, path string) (string, uploadTarget, error) {
	first, second := uuid.NewString(), uuid.NewString()
	mediaInfo := []map[string]any{
		{"id": first, "media_type": mediaTypeImageStoryPin},
		{"id": second, "media_type": mediaTypeImageStoryPin},
	}
	targets, err := c.registerUploads(ctx, mediaInfo)
	if err != nil {
		return "", uploadTarget{}, &StageError{Stage: StageRegister, Err: err}
	}
	target, ok := targets[second]
	if !ok {
		return "", uploadTarget{}, &StageError{Stage: StageRegister, Err: fmt.Errorf("response missing upload token %s", second)}
	}
	c.pause(ctx)

	etag, err := c.transfer(ctx, c.imageUploadURL, target, path)
	if err != nil {
		return "", uploadTarget{}, &StageError{Stage: StageTransfer, Err: err}
	}
	signature := strings.Trim(etag, `"`)
	if signature == "" {
		signature = uploadIDFromKey(target.UploadParameters["key"])
	}
	return signature, target, nil
}

// registerUploads books upload slots for the given media descriptors and
// returns the signed targets keyed by descriptor id.
func (c *Client) registerUploads(ctx context.Context, mediaInfo []map[string]any) (map[string]uploadTarget, error) {
	list, err := json.Marshal(mediaInfo)
	if err != nil {
		return nil, fmt.Errorf("marshal media info: %w", err)
	}
	options := map[string]any{
		"url":  registerBatchPath,
		"data": map[string]any{"media_info_list": string(list)},
	}
	data, err := c.postResource(ctx, registerEndpoint, creationToolPath, options)
	if err != nil {
		return nil, err
	}

	var targets map[string]uploadTarget
	if err := json.Unmarshal(data, &targets); err != nil {
		return nil, fmt.Errorf("decode register response: %w", err)
	}
	return targets, nil
}

// transfer sends the file bytes to the storage endpoint using the signed
// form fields from registration, and returns the response ETag.
func (c *Client) transfer(ctx context.Context, uploadURL string, target uploadTarget, path string) (string, error) {
	if target.UploadURL != "" {
		uploadURL = target.UploadURL
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	written := make(map[string]bool, len(target.UploadParameters))
	for _, name := range uploadParameterOrder {
		if v, ok := target.UploadParameters[name]; ok {
			if err := w.WriteField(name, v); err != nil {
				return "", fmt.Errorf("write form field %s: %w", name, err)
			}
			written[name] = true
		}
	}
	for name, v := range target.UploadParameters {
		if written[name] {
			continue
		}
		if err := w.WriteField(name, v); err != nil {
			return "", fmt.Errorf("write form field %s: %w", name, err)
		}
	}
	fw, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := fw.Write(fileData); err != nil {
		return "", fmt.Errorf("write file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finish multipart body: %w", err)
	}

	var etag string
	err = retry.Do(
		func() error {
			req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(body.Bytes()))
			if reqErr != nil {
				return retry.Unrecoverable(reqErr)
			}
			req.Header.Set("Content-Type", w.FormDataContentType())
			req.Header.Set("User-Agent", c.userAgent)

			resp, doErr := c.httpClient.Do(req)
			if doErr != nil {
				return fmt.Errorf("post media bytes: %w", doErr)
			}
			defer resp.Body.Close()
			if _, copyErr := io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20)); copyErr != nil {
				c.logger.Warn("Draining upload response failed", "error", copyErr)
			}

			if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
				return &APIError{Endpoint: uploadURL, Status: resp.StatusCode}
			}
			etag = resp.Header.Get("ETag")
			return nil
		},
		retry.Attempts(3),
		retry.Delay(3*time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			c.logger.Info("Retrying media transfer", "attempt", n, "file", filepath.Base(path), "error", retryErr)
		}),
	)
	if err != nil {
		return "", err
	}
	return etag, nil
}

// confirmUpload asks the platform whether a transferred video finished
// server-side processing.
func (c *Client) confirmUpload(ctx context.Context, uploadID string) error {
	options := map[string]any{"upload_ids": []string{uploadID}}
	data, err := c.getResource(ctx, confirmEndpoint, creationToolPath, options)
	if err != nil {
		return err
	}

	var statuses []struct {
		UploadID string `json:"upload_id"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(data, &statuses); err != nil {
		return fmt.Errorf("decode confirmation: %w", err)
	}
	for _, s := range statuses {
		if s.UploadID == uploadID && s.Status == "failed" {
			return fmt.Errorf("platform reports upload %s failed", uploadID)
		}
	}
	return nil
}

// createStoryPin performs the final pin creation call and returns the new
// pin id. The story_pin document travels as a JSON-encoded string inside
// the options, the same double encoding the register call uses for
// media_info_list.
func (c *Client) createStoryPin(ctx context.Context, req pin.UploadRequest, boardID string, storyPin map[string]any) (string, error) {
	doc, err := json.Marshal(storyPin)
	if err != nil {
		return "", fmt.Errorf("marshal story pin document: %w", err)
	}
	options := map[string]any{
		"allow_shopping_rec":  true,
		"board_id":            boardID,
		"description":         req.Description,
		"is_comments_allowed": true,
		"is_removable":        false,
		"is_unified_builder":  true,
		"link":                req.Link,
		"orbac_subject_id":    "",
		"story_pin":           string(doc),
		"user_mention_tags":   "[]",
	}
	data, err := c.postResource(ctx, createEndpoint, creationToolPath, options)
	if err != nil {
		return "", err
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return "", fmt.Errorf("decode created pin: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("pin creation response carried no id")
	}
	return created.ID, nil
}

// uploadIDFromKey extracts the upload id, the segment after the final
// colon of the storage key.
func uploadIDFromKey(key string) string {
	if i := strings.LastIndexByte(key, ':'); i >= 0 && i < len(key)-1 {
		return key[i+1:]
	}
	return ""
}
