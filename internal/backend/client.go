// Package backend talks to the marketplace REST API: the conversation list
// and attachment uploads.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/matheus3301/gigchat/internal/auth"
	"github.com/matheus3301/gigchat/internal/protocol"
	"go.uber.org/zap"
)

var (
	ErrUploadFailed = errors.New("upload failed")
	ErrUnauthorized = errors.New("unauthorized")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d", e.Code)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Message)
}

// ConversationList is a fetched list with the raw JSON of every entry kept
// for the local cache.
type ConversationList struct {
	Conversations []protocol.Conversation
	Raw           []json.RawMessage
}

// IDs returns the conversation ids in list order.
func (l *ConversationList) IDs() []string {
	ids := make([]string, len(l.Conversations))
	for i, c := range l.Conversations {
		ids[i] = c.ID
	}
	return ids
}

// Client is the REST client. It is safe for concurrent use.
type Client struct {
	baseURL string
	creds   auth.Source
	http    *http.Client
	logger  *zap.Logger
}

// New creates a client for baseURL. A nil httpClient uses http.DefaultClient.
func New(baseURL string, creds auth.Source, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		http:    httpClient,
		logger:  logger,
	}
}

// FetchConversations retrieves every conversation the user takes part in.
func (c *Client) FetchConversations(ctx context.Context) (*ConversationList, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/chat", nil)
	if err != nil {
		return nil, err
	}
	var env protocol.Envelope[[]json.RawMessage]
	if err := c.do(req, &env); err != nil {
		return nil, fmt.Errorf("fetch conversations: %w", err)
	}

	list := &ConversationList{Raw: env.Data}
	list.Conversations = make([]protocol.Conversation, 0, len(env.Data))
	for i, raw := range env.Data {
		var conv protocol.Conversation
		if err := json.Unmarshal(raw, &conv); err != nil {
			return nil, fmt.Errorf("decode conversation %d: %w", i, err)
		}
		list.Conversations = append(list.Conversations, conv)
	}
	return list, nil
}

// Upload streams one local file to /upload and returns the committed asset.
// progress, when non-nil, receives whole percentages as bytes go out.
func (c *Client) Upload(ctx context.Context, path string, progress func(pct int)) (protocol.Attachment, error) {
	f, err := os.Open(path)
	if err != nil {
		return protocol.Attachment{}, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return protocol.Attachment{}, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		return protocol.Attachment{}, fmt.Errorf("%w: detect type: %w", ErrUploadFailed, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return protocol.Attachment{}, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	pr, pw := io.Pipe()
	defer func() { _ = pr.Close() }()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeFilePart(mw, f, filepath.Base(path), mtype.String(), info.Size(), progress))
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/upload", pr)
	if err != nil {
		return protocol.Attachment{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var env protocol.Envelope[protocol.Attachment]
	if err := c.do(req, &env); err != nil {
		return protocol.Attachment{}, fmt.Errorf("%w: %s: %w", ErrUploadFailed, filepath.Base(path), err)
	}
	asset := env.Data
	if asset.ID == "" {
		return protocol.Attachment{}, fmt.Errorf("%w: %s: response has no asset id", ErrUploadFailed, filepath.Base(path))
	}
	if asset.Type == "" {
		asset.Type = mtype.String()
	}
	if asset.Size == 0 {
		asset.Size = protocol.ByteSize(info.Size())
	}
	c.logger.Debug("attachment uploaded", zap.String("path", path), zap.String("asset_id", asset.ID))
	return asset, nil
}

func writeFilePart(mw *multipart.Writer, src io.Reader, name, contentType string, size int64, progress func(int)) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, &progressReader{r: src, total: size, report: progress}); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	if progress != nil {
		progress(100)
	}
	return nil
}

type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	last   int
	report func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.report != nil && p.total > 0 {
		// 100 is reported once the multipart body is closed.
		pct := min(int(p.read*100/p.total), 99)
		if pct > p.last {
			p.last = pct
			p.report(pct)
		}
	}
	return n, err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	cred, err := c.creds.Credential()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", cred.Bearer())
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var env protocol.Envelope[json.RawMessage]
		_ = json.Unmarshal(body, &env)
		serr := &StatusError{Code: resp.StatusCode, Message: env.Message}
		if resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %w", ErrUnauthorized, serr)
		}
		return serr
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	var status struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &status); err == nil && status.Status != "" && status.Status != protocol.StatusSuccess {
		return &StatusError{Code: resp.StatusCode, Message: status.Message}
	}
	return nil
}
