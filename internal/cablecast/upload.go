package cablecast

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/communitymedia/captiond/internal/log"
)

// VODMetadata accompanies an upload.
type VODMetadata struct {
	Title           string  `json:"title"`
	FileName        string  `json:"fileName"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	// Fingerprint keys the idempotency header; servers that honor it will
	// not create a second VOD for the same recording+show.
	Fingerprint string `json:"-"`
}

// ProgressFunc receives upload progress. total is -1 when unknown.
type ProgressFunc func(done, total int64)

// CreateVOD uploads a captioned video as a new VOD. showID zero creates an
// unattached VOD for manual review.
//
// The upload is NOT retried inside the client: re-sending a multi-hundred-MiB
// body on a 5xx belongs to the queue's retry policy, where the orphan-VOD
// risk is recorded explicitly. The call is bounded by ctx only.
func (c *Client) CreateVOD(ctx context.Context, showID int, filePath string, meta VODMetadata, progress ProgressFunc) (int, error) {
	logger := log.WithComponentFromContext(ctx, "cablecast")

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	f, err := os.Open(filePath)
	if err != nil {
		return 0, fmt.Errorf("open upload source: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat upload source: %w", err)
	}

	if meta.FileName == "" {
		meta.FileName = filepath.Base(filePath)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer pw.Close()
		metaPart, err := mw.CreateFormField("metadata")
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := json.NewEncoder(metaPart).Encode(meta); err != nil {
			pw.CloseWithError(err)
			return
		}
		filePart, err := mw.CreateFormFile("file", meta.FileName)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		src := io.Reader(f)
		if progress != nil {
			src = &progressReader{r: f, total: info.Size(), fn: progress}
		}
		if _, err := io.Copy(filePart, src); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	u := c.base + "/v1/vods"
	if showID > 0 {
		u += "?show=" + strconv.Itoa(showID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, pr)
	if err != nil {
		return 0, err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if meta.Fingerprint != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey(meta.Fingerprint, showID))
	}

	logger.Info().
		Str(log.FieldEvent, "upload.start").
		Str(log.FieldPath, filePath).
		Int("show_id", showID).
		Int64("bytes", info.Size()).
		Msg("uploading VOD")

	res, err := c.uploadHTTP.Do(req)
	if err != nil {
		return 0, c.transportError("CreateVOD", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return 0, c.transportError("CreateVOD", err)
	}
	if apiErr := c.statusError("CreateVOD", res.StatusCode, body); apiErr != nil {
		return 0, apiErr
	}

	var payload struct {
		VOD struct {
			ID int `json:"id"`
		} `json:"vod"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.VOD.ID == 0 {
		return 0, &APIError{Sentinel: ErrBadResponse, Operation: "CreateVOD", Err: err}
	}

	logger.Info().
		Str(log.FieldEvent, "upload.done").
		Int("vod_id", payload.VOD.ID).
		Msg("VOD created")
	return payload.VOD.ID, nil
}

// idempotencyKey is stable across attempts for one (recording, show) pair.
func idempotencyKey(fingerprint string, showID int) string {
	sum := sha256.Sum256([]byte(fingerprint + ":" + strconv.Itoa(showID)))
	return hex.EncodeToString(sum[:16])
}

type progressReader struct {
	r     io.Reader
	total int64
	done  int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		p.fn(p.done, p.total)
	}
	return n, err
}
