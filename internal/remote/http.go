package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/sosmesh/internal/models"
)

// HTTPConfig configures an HTTPStore.
type HTTPConfig struct {
	// BaseURL is the root of a REST document database, for example
	// https://example-default-rtdb.firebaseio.com.
	BaseURL string
	// Collection is the path holding the messages. Defaults to sos_messages.
	Collection string
	// AuthToken, when set, is sent as the auth query parameter.
	AuthToken string
	Client    *http.Client
	Logger    *slog.Logger
}

// HTTPStore talks to a JSON document database that addresses documents as
// {base}/{collection}/{id}.json. PUT replaces the document, which makes
// uploads idempotent by message id.
type HTTPStore struct {
	base       *url.URL
	collection string
	token      string
	client     *http.Client
	logger     *slog.Logger
}

func NewHTTPStore(cfg HTTPConfig) (*HTTPStore, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("remote: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parsing base url: %w", err)
	}
	if cfg.Collection == "" {
		cfg.Collection = "sos_messages"
	}
	if cfg.Client == nil {
		cfg.Client = NewHTTPClient(15 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &HTTPStore{
		base:       base,
		collection: strings.Trim(cfg.Collection, "/"),
		token:      cfg.AuthToken,
		client:     cfg.Client,
		logger:     cfg.Logger.With("component", "remote-http"),
	}, nil
}

// NewHTTPClient returns a client that negotiates HTTP/2 over TLS and keeps
// connections alive between sync passes.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		// The transport still works over HTTP/1.1.
		slog.Default().Warn("http2 unavailable for remote client", "error", err)
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// endpoint is the URL of the collection, or of one document when id is set.
// The id is escaped so it always names a single document.
func (s *HTTPStore) endpoint(id string) string {
	segments := strings.Split(s.collection, "/")
	if id != "" {
		segments = append(segments, url.PathEscape(id))
	}
	segments[len(segments)-1] += ".json"
	u := s.base.JoinPath(segments...)
	if s.token != "" {
		q := u.Query()
		q.Set("auth", s.token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (s *HTTPStore) do(ctx context.Context, method, id string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.endpoint(id), reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return s.client.Do(req)
}

func (s *HTTPStore) Upload(ctx context.Context, msg models.Message) error {
	if !models.ValidMessageID(msg.ID) {
		return &UploadError{MessageID: msg.ID, Err: models.ErrInvalidMessageID}
	}
	body, err := json.Marshal(DocumentFrom(msg))
	if err != nil {
		return &UploadError{MessageID: msg.ID, Err: err}
	}

	resp, err := s.do(ctx, http.MethodPut, msg.ID, body)
	if err != nil {
		return &UploadError{MessageID: msg.ID, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &UploadError{MessageID: msg.ID, StatusCode: resp.StatusCode}
	}
	s.logger.Debug("message uploaded", "message_id", msg.ID)
	return nil
}

// Dump returns every stored message, oldest first.
func (s *HTTPStore) Dump(ctx context.Context) ([]Document, error) {
	resp, err := s.do(ctx, http.MethodGet, "", nil)
	if err != nil {
		return nil, fmt.Errorf("remote: dump: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote: dump: status %d", resp.StatusCode)
	}

	// An empty collection is returned as null.
	var byID map[string]Document
	if err := json.NewDecoder(resp.Body).Decode(&byID); err != nil {
		return nil, fmt.Errorf("remote: dump: decoding: %w", err)
	}
	docs := make([]Document, 0, len(byID))
	for id, doc := range byID {
		if doc.MessageID == "" {
			doc.MessageID = id
		}
		docs = append(docs, doc)
	}
	sortDocuments(docs)
	return docs, nil
}

// Purge deletes the whole collection.
func (s *HTTPStore) Purge(ctx context.Context) error {
	resp, err := s.do(ctx, http.MethodDelete, "", nil)
	if err != nil {
		return fmt.Errorf("remote: purge: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("remote: purge: status %d: %s", resp.StatusCode, strings.TrimSpace(string(text)))
	}
	s.logger.Info("remote collection purged", "collection", s.collection)
	return nil
}

func sortDocuments(docs []Document) {
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Timestamp != docs[j].Timestamp {
			return docs[i].Timestamp < docs[j].Timestamp
		}
		return docs[i].MessageID < docs[j].MessageID
	})
}
