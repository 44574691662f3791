// Package api is the HTTP collaborator: it owns the token lifecycle,
// issues signed requests against the document-storage API, and exposes
// the small set of operations the item graph and content pipeline need.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rmcl-go/rmcl/zipfmt"
	"github.com/rs/zerolog/log"
)

const serviceManagerURL = "https://service-manager-production-dot-remarkable-production.appspot.com/service/json/1/document-storage?environment=production&apiVer=2"

const docsPath = "/document-storage/json/2/docs"

// Client is the API collaborator used by the item graph and content
// pipeline. It is safe for concurrent use.
type Client struct {
	auth       *Auth
	httpClient *http.Client
	baseURL    string

	// invalidate is called whenever a mutating operation succeeds or fails
	// in a way that should force the next read to do a full refresh. The
	// cmd/rmcl entry point wires it to Graph.InvalidateDeadline.
	invalidate func()
}

// NewClient builds a Client. invalidate may be nil, in which case mutating
// calls simply skip the notification.
func NewClient(auth *Auth, invalidate func()) *Client {
	return &Client{
		auth: auth,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
			Timeout: 60 * time.Second,
		},
		baseURL:    serviceManagerURL,
		invalidate: invalidate,
	}
}

func (c *Client) notifyMutation() {
	if c.invalidate != nil {
		c.invalidate()
	}
}

// request performs an authenticated request against path (or an absolute
// URL) and returns the response; the caller reads and closes its body.
func (c *Client) request(ctx context.Context, method, path string, body io.Reader, headers map[string]string) (*http.Response, error) {
	target := path
	if !strings.HasPrefix(path, "http") {
		target = c.baseURL + path
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if token := c.auth.UserToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	log.Debug().Str("method", method).Str("url", target).Msg("api request")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func readBody(resp *http.Response) []byte {
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return body
}

// checkResponse validates a document-storage response: any status >= 400
// fails, an empty array fails, and a first-element Success=false fails
// with the server's Message.
func checkResponse(op string, status int, body []byte) error {
	if status >= 400 {
		return &ApiError{Op: op, Status: status, Message: string(body)}
	}
	var items []Metadata
	if err := json.Unmarshal(body, &items); err != nil {
		return &ApiError{Op: op, Status: status, Message: "non-JSON response"}
	}
	if len(items) == 0 {
		return &ApiError{Op: op, Status: status, Message: "empty response"}
	}
	if !items[0].Success {
		return &ApiError{Op: op, Status: status, Message: items[0].Message}
	}
	return nil
}

// UpdateItems fetches the full document list.
func (c *Client) UpdateItems(ctx context.Context) ([]Metadata, error) {
	resp, err := c.request(ctx, http.MethodGet, docsPath, nil, nil)
	if err != nil {
		return nil, &ApiError{Op: "update_items", Message: err.Error()}
	}
	body := readBody(resp)
	if resp.StatusCode >= 400 {
		return nil, &ApiError{Op: "update_items", Status: resp.StatusCode, Message: string(body)}
	}

	var items []Metadata
	if err := json.Unmarshal(body, &items); err != nil {
		log.Error().Err(err).Msg("failed to decode document list")
		return nil, &ApiError{Op: "update_items", Status: resp.StatusCode, Message: "failed to decode JSON data"}
	}
	return items, nil
}

// GetMetadata fetches a single document's metadata, optionally including
// a fresh blob URL.
func (c *Client) GetMetadata(ctx context.Context, id string, withBlob bool) (*Metadata, error) {
	path := fmt.Sprintf("%s?doc=%s&withBlob=%t", docsPath, url.QueryEscape(id), withBlob)
	resp, err := c.request(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, &ApiError{Op: "get_metadata", Message: err.Error()}
	}
	body := readBody(resp)
	if resp.StatusCode >= 400 {
		return nil, &ApiError{Op: "get_metadata", Status: resp.StatusCode, Message: string(body)}
	}

	var items []Metadata
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, &ApiError{Op: "get_metadata", Message: "failed to decode JSON data"}
	}
	for _, m := range items {
		if m.ID == id {
			meta := m
			return &meta, nil
		}
	}
	return nil, &DocumentNotFound{ID: id}
}

// GetBlob fetches the full document blob from url.
func (c *Client) GetBlob(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := c.request(ctx, http.MethodGet, rawURL, nil, nil)
	if err != nil {
		return nil, &ApiError{Op: "get_blob", Message: err.Error()}
	}
	body := readBody(resp)
	if resp.StatusCode >= 400 {
		return nil, &ApiError{Op: "get_blob", Status: resp.StatusCode, Message: string(body)}
	}
	return body, nil
}

// GetBlobSize HEADs url and returns the declared Content-Length.
func (c *Client) GetBlobSize(ctx context.Context, rawURL string) (int64, error) {
	resp, err := c.request(ctx, http.MethodHead, rawURL, nil, nil)
	if err != nil {
		return 0, &ApiError{Op: "get_blob_size", Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, &ApiError{Op: "get_blob_size", Status: resp.StatusCode}
	}
	size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	return size, nil
}

// GetFileDetails requests the trailing NBytes of the blob at url and scans
// it for a ZIP central-directory entry naming the document's inner type
// and uncompressed size. Returns (unknown, nil) - not an error - if the
// range does not contain a parseable directory, or (notes, nil) if no
// recognized extension is found.
func (c *Client) GetFileDetails(ctx context.Context, rawURL string) (FileType, *int64, error) {
	resp, err := c.request(ctx, http.MethodGet, rawURL, nil, map[string]string{
		"Range": fmt.Sprintf("bytes=-%d", NBytes),
	})
	if err != nil {
		return FileTypeUnknown, nil, &ApiError{Op: "get_file_details", Message: err.Error()}
	}
	body := readBody(resp)
	if resp.StatusCode >= 400 {
		return FileTypeUnknown, nil, &ApiError{Op: "get_file_details", Status: resp.StatusCode}
	}

	// Start at the last occurrence of a known-extension's metadata entry,
	// minus the fixed central-directory header length and the typical
	// 36-byte UUID filename length, to align with a central-directory
	// record. Non-UUID-length ids may misalign; that is not an error.
	idx := bytes.LastIndex(body, []byte(".content"))
	if idx < 0 {
		return FileTypeUnknown, nil, nil
	}
	start := idx - 36 - 46
	if start < 0 {
		return FileTypeUnknown, nil, nil
	}

	entries, err := zipfmt.ScanCentralDirectory(body[start:])
	if err != nil {
		return FileTypeUnknown, nil, nil
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Filename, ".pdf") {
			size := int64(e.UncompressedSize)
			return FileTypePDF, &size, nil
		}
		if strings.HasSuffix(e.Filename, ".epub") {
			size := int64(e.UncompressedSize)
			return FileTypeEPUB, &size, nil
		}
	}
	return FileTypeNotes, nil, nil
}

// Delete removes an item from the remote store.
func (c *Client) Delete(ctx context.Context, id string, version int) error {
	defer c.notifyMutation()

	payload, _ := json.Marshal([]map[string]any{{"ID": id, "Version": version}})
	resp, err := c.request(ctx, http.MethodPut, "/document-storage/json/2/delete", bytes.NewReader(payload), jsonHeaders())
	if err != nil {
		return &ApiError{Op: "delete", Message: err.Error()}
	}
	body := readBody(resp)
	return checkResponse("delete", resp.StatusCode, body)
}

// UpdateMetadata bumps an item's version, stamps ModifiedClient with the
// current time, and pushes the updated metadata to the remote store.
func (c *Client) UpdateMetadata(ctx context.Context, meta Metadata) error {
	defer c.notifyMutation()

	meta.Version++
	meta.ModifiedClient = FormatTime(time.Now())

	payload, _ := json.Marshal([]Metadata{meta})
	resp, err := c.request(ctx, http.MethodPut, "/document-storage/json/2/upload/update-status", bytes.NewReader(payload), jsonHeaders())
	if err != nil {
		return &ApiError{Op: "update_metadata", Message: err.Error()}
	}
	body := readBody(resp)
	return checkResponse("update_metadata", resp.StatusCode, body)
}

// Upload performs the two-phase upload: request a put URL for a new
// version, PUT the raw bytes there, then push the metadata update.
func (c *Client) Upload(ctx context.Context, meta Metadata, contents []byte) error {
	defer c.notifyMutation()

	reqPayload, _ := json.Marshal([]map[string]any{{
		"ID":      meta.ID,
		"Version": meta.Version + 1,
		"Type":    meta.Type,
	}})
	resp, err := c.request(ctx, http.MethodPut, "/document-storage/json/2/upload/request", bytes.NewReader(reqPayload), jsonHeaders())
	if err != nil {
		return &ApiError{Op: "upload", Message: err.Error()}
	}
	body := readBody(resp)
	if err := checkResponse("upload", resp.StatusCode, body); err != nil {
		return err
	}

	var items []Metadata
	if err := json.Unmarshal(body, &items); err != nil || len(items) == 0 || items[0].BlobURLPut == "" {
		log.Error().Msg("failed to get upload URL")
		return &ApiError{Op: "upload", Message: "failed to get upload URL"}
	}

	putResp, err := c.request(ctx, http.MethodPut, items[0].BlobURLPut, bytes.NewReader(contents), map[string]string{"Content-Type": ""})
	if err != nil {
		return &ApiError{Op: "upload", Message: err.Error()}
	}
	putBody := readBody(putResp)
	if putResp.StatusCode >= 400 {
		log.Error().Int("status", putResp.StatusCode).Msg("blob upload failed")
		return &ApiError{Op: "upload", Status: putResp.StatusCode, Message: string(putBody)}
	}

	return c.UpdateMetadata(ctx, meta)
}

func jsonHeaders() map[string]string {
	return map[string]string{"Content-Type": "application/json"}
}
