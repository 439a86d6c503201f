package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	defaultTimeout  = 30 * time.Second
	formContentType = "application/x-www-form-urlencoded"
	sessionCookie   = "id"
)

var blobIDPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Config carries everything a Session needs to reach one service.
type Config struct {
	// Site is the host or host:port of the service. Connections are always
	// HTTPS.
	Site string

	// RootCAs overrides the trust store used to verify the service
	// certificate. Nil means the system store.
	RootCAs *x509.CertPool

	// SkipVerify disables certificate verification entirely.
	SkipVerify bool

	Timeout time.Duration
	Logger  *slog.Logger
}

// Session is the client-side façade over one service. Each Session owns its
// own transport and cookie jar; nothing is shared between instances, so
// independent Sessions may run concurrently. Calls on one Session must be
// serialized by the caller: Login and Logout mutate the identity that every
// other operation reads.
type Session struct {
	base       *url.URL
	httpClient *http.Client
	jar        *cookiejar.Jar
	user       string
	logger     *slog.Logger
}

// NewSession creates a Session in the anonymous state.
func NewSession(cfg *Config) (*Session, error) {
	if cfg.Site == "" {
		return nil, fmt.Errorf("site cannot be empty")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.WithGroup("hrb_client")

	// HTTPS only. The service sets its session cookie with the secure flag
	// and would never see it again over plain HTTP.
	base, err := url.Parse("https://" + cfg.Site)
	if err != nil {
		return nil, fmt.Errorf("failed to parse site %q: %w", cfg.Site, err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.SkipVerify,
			RootCAs:            cfg.RootCAs,
		},
	}

	logger.Debug("session initialized", "site", base.Host, "tls_skip_verify", cfg.SkipVerify)

	return &Session{
		base: base,
		httpClient: &http.Client{
			Transport: transport,
			Jar:       jar,
			Timeout:   timeout,
		},
		jar:    jar,
		logger: logger,
	}, nil
}

// User returns the authenticated user name, or "" in the anonymous state.
func (s *Session) User() string {
	return s.user
}

// Host returns the host:port this Session talks to.
func (s *Session) Host() string {
	return s.base.Host
}

// Close releases local transport resources. It does not invalidate the
// server-side session; use Logout for that.
func (s *Session) Close() {
	s.httpClient.CloseIdleConnections()
}

// do issues one request. path must already be escaped. Transport-level
// failures come back wrapped so they never collide with the HTTP taxonomy.
func (s *Session) do(ctx context.Context, op, method, path, resource, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.base.String()+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s %q: failed to create request: %w", op, resource, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	s.logger.Debug("sending request", "op", op, "method", method, "path", path)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, transportError(op, resource, err)
	}
	return resp, nil
}

// discard drains and closes a response body so the connection can be reused.
func discard(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func (s *Session) sessionToken() string {
	for _, c := range s.jar.Cookies(s.base) {
		if c.Name == sessionCookie {
			return c.Value
		}
	}
	return ""
}

// resolveOwner applies the default-resolution order for the acting identity:
// explicit argument, then the logged-in user, then failure.
func (s *Session) resolveOwner(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if s.user != "" {
		return s.user, nil
	}
	return "", ErrAnonymous
}

// Login authenticates this Session. Success is a no-content response that
// also issued a non-empty session cookie; anything else leaves the Session
// anonymous and is classified through the error taxonomy.
func (s *Session) Login(ctx context.Context, user, password string) error {
	form := url.Values{}
	form.Set("username", user)
	form.Set("password", password)

	resp, err := s.do(ctx, "login", http.MethodPost, "/login", user, formContentType, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	defer discard(resp)

	if resp.StatusCode != http.StatusNoContent || s.sessionToken() == "" {
		return statusError("login", user, resp.StatusCode)
	}

	s.user = user
	s.logger.Debug("logged in", "user", user)
	return nil
}

// Logout invalidates the session token server-side and returns this Session
// to the anonymous state. Whether the old token is immediately unusable is
// up to the service.
func (s *Session) Logout(ctx context.Context) error {
	resp, err := s.do(ctx, "logout", http.MethodGet, "/logout", s.user, "", nil)
	if err != nil {
		return err
	}
	defer discard(resp)

	if resp.StatusCode != http.StatusOK {
		return statusError("logout", s.user, resp.StatusCode)
	}

	// Drop the local token as well, so later calls present no credential at
	// all instead of a dead one.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("logout: failed to reset cookie jar: %w", err)
	}
	s.jar = jar
	s.httpClient.Jar = jar
	s.user = ""
	return nil
}

// UploadOptions adjust a single upload. Owner overrides the target owner,
// which otherwise defaults to the logged-in user. AuthKey attaches a share
// key; the service rejects it on this path, since share keys are read-only
// credentials.
type UploadOptions struct {
	Owner   string
	AuthKey string
}

// Upload stores data as one blob under collection. The service assigns the
// identifier and reports it as the trailing 40 characters of the Location
// header.
func (s *Session) Upload(ctx context.Context, collection, filename string, data io.Reader, opts *UploadOptions) (string, error) {
	if opts == nil {
		opts = &UploadOptions{}
	}
	owner, err := s.resolveOwner(opts.Owner)
	if err != nil {
		return "", fmt.Errorf("upload %q: %w", filename, err)
	}

	path := buildResourcePath(actionUpload, owner, collection, filename)
	if opts.AuthKey != "" {
		path = buildQueryURL(path, []queryParam{stringParam("auth", opts.AuthKey)})
	}

	resp, err := s.do(ctx, "upload", http.MethodPut, path, filename, "", data)
	if err != nil {
		return "", err
	}
	defer discard(resp)

	if resp.StatusCode != http.StatusCreated {
		return "", statusError("upload", collection+"/"+filename, resp.StatusCode)
	}

	location := resp.Header.Get("Location")
	if len(location) < blobIDLength {
		return "", fmt.Errorf("upload %q: malformed location %q in response", filename, location)
	}
	id := location[len(location)-blobIDLength:]
	if !blobIDPattern.MatchString(id) {
		return "", fmt.Errorf("upload %q: malformed blob ID %q in response", filename, id)
	}

	s.logger.Debug("uploaded blob", "collection", collection, "filename", filename, "id", id)
	return id, nil
}

const blobIDLength = 40

// FetchOptions adjust a blob read. Owner defaults to the logged-in user.
// Rendition selects a named derived representation ("master", "thumbnail",
// or a WxH size token); the empty string requests the service default.
// AuthKey presents a collection-scoped share key for anonymous reads.
type FetchOptions struct {
	Owner     string
	Rendition string
	AuthKey   string
}

// GetBlob retrieves one blob's content from a collection, along with the
// original filename recovered from the disposition header.
func (s *Session) GetBlob(ctx context.Context, collection, id string, opts *FetchOptions) (*Blob, error) {
	if opts == nil {
		opts = &FetchOptions{}
	}
	owner, err := s.resolveOwner(opts.Owner)
	if err != nil {
		return nil, fmt.Errorf("get blob %q: %w", id, err)
	}

	var params []queryParam
	if opts.Rendition != "" {
		params = append(params, stringParam("rendition", opts.Rendition))
	}
	if opts.AuthKey != "" {
		params = append(params, stringParam("auth", opts.AuthKey))
	}

	path := buildQueryURL(buildResourcePath(actionAPI, owner, collection, id), params)
	return s.fetchBlob(ctx, "get blob", id, path)
}

// QueryBlob retrieves one blob's content by identifier alone, without
// knowing which collection holds it.
func (s *Session) QueryBlob(ctx context.Context, id string, opts *FetchOptions) (*Blob, error) {
	if opts == nil {
		opts = &FetchOptions{}
	}
	owner, err := s.resolveOwner(opts.Owner)
	if err != nil {
		return nil, fmt.Errorf("query blob %q: %w", id, err)
	}

	params := []queryParam{
		stringParam("id", id),
		stringParam("owner", owner),
	}
	if opts.Rendition != "" {
		params = append(params, stringParam("rendition", opts.Rendition))
	}

	return s.fetchBlob(ctx, "query blob", id, buildQueryURL("/query/blob", params))
}

func (s *Session) fetchBlob(ctx context.Context, op, id, path string) (*Blob, error) {
	resp, err := s.do(ctx, op, http.MethodGet, path, id, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(op, id, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(op, id, err)
	}

	filename, err := dispositionFilename(resp.Header.Get("Content-Disposition"))
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", op, id, err)
	}

	return &Blob{
		ID:       id,
		Filename: filename,
		Mime:     resp.Header.Get("Content-Type"),
		Data:     data,
	}, nil
}

// dispositionFilename recovers the escaped upload filename from a
// content-disposition style header. A missing header is not an error: not
// every rendition carries one.
func dispositionFilename(disposition string) (string, error) {
	const marker = "filename="
	i := strings.Index(disposition, marker)
	if i < 0 {
		return "", nil
	}
	name := strings.Trim(disposition[i+len(marker):], `"`)
	decoded, err := unescapeName(name)
	if err != nil {
		return "", fmt.Errorf("malformed filename %q in disposition header: %w", name, err)
	}
	return decoded, nil
}

// DeleteBlob removes one blob from a collection. Deleting it again yields
// ErrNotFound; the service distinguishes successful deletion (no content)
// from lookup failure.
func (s *Session) DeleteBlob(ctx context.Context, collection, id string) error {
	owner, err := s.resolveOwner("")
	if err != nil {
		return fmt.Errorf("delete blob %q: %w", id, err)
	}

	path := buildResourcePath(actionAPI, owner, collection, id)
	resp, err := s.do(ctx, "delete blob", http.MethodDelete, path, id, "", nil)
	if err != nil {
		return err
	}
	defer discard(resp)

	if resp.StatusCode != http.StatusNoContent {
		return statusError("delete blob", id, resp.StatusCode)
	}
	return nil
}

// postControl sends one form-encoded control request against a resource path
// and expects no content back.
func (s *Session) postControl(ctx context.Context, op, path, resource string, form url.Values) error {
	resp, err := s.do(ctx, op, http.MethodPost, path, resource, formContentType, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	defer discard(resp)

	if resp.StatusCode != http.StatusNoContent {
		return statusError(op, resource, resp.StatusCode)
	}
	return nil
}

// MoveBlob re-parents a blob from one collection to another owned by the
// same user.
func (s *Session) MoveBlob(ctx context.Context, src, id, dest string) error {
	owner, err := s.resolveOwner("")
	if err != nil {
		return fmt.Errorf("move blob %q: %w", id, err)
	}

	form := url.Values{}
	form.Set("move", dest)
	return s.postControl(ctx, "move blob", buildResourcePath(actionAPI, owner, src, id), id, form)
}

// SetPermission changes the visibility tier of one blob.
func (s *Session) SetPermission(ctx context.Context, collection, id string, perm Permission) error {
	owner, err := s.resolveOwner("")
	if err != nil {
		return fmt.Errorf("set permission of %q: %w", id, err)
	}

	form := url.Values{}
	form.Set("perm", string(perm))
	return s.postControl(ctx, "set permission", buildResourcePath(actionAPI, owner, collection, id), id, form)
}

// SetCover designates one member blob as the collection cover. A blob from
// any other collection is rejected with ErrBadRequest and leaves the cover
// unchanged.
func (s *Session) SetCover(ctx context.Context, collection, id string) error {
	owner, err := s.resolveOwner("")
	if err != nil {
		return fmt.Errorf("set cover of %q: %w", collection, err)
	}

	form := url.Values{}
	form.Set("cover", id)
	return s.postControl(ctx, "set cover", buildResourcePath(actionAPI, owner, collection, ""), collection, form)
}

// ListCollections returns header-only snapshots of every collection owned by
// user, defaulting to the logged-in user.
func (s *Session) ListCollections(ctx context.Context, user string) ([]Collection, error) {
	user, err := s.resolveOwner(user)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}

	path := buildQueryURL("/query/collection", []queryParam{
		stringParam("user", user),
		flagParam("json"),
	})

	resp, err := s.do(ctx, "list collections", http.MethodGet, path, user, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list collections", user, resp.StatusCode)
	}

	var listing collectionListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("list collections for %q: failed to decode response: %w", user, err)
	}

	colls := make([]Collection, 0, len(listing.Colls))
	for _, c := range listing.Colls {
		colls = append(colls, Collection{Name: c.Coll, Cover: c.Cover, Owner: c.Owner})
	}
	return colls, nil
}

// ViewOptions adjust a collection read. User selects whose collection to
// view, defaulting to the logged-in user. AuthKey presents a share key for
// anonymous viewing.
type ViewOptions struct {
	User    string
	AuthKey string
}

// GetCollection returns the full snapshot of one collection including its
// elements. When the viewer is the owner, the service echoes the user name
// back; its absence marks a valid third-party view, which an anonymous or
// non-owner Session receives with only the blobs it may see.
func (s *Session) GetCollection(ctx context.Context, collection string, opts *ViewOptions) (*Collection, error) {
	if opts == nil {
		opts = &ViewOptions{}
	}
	user, err := s.resolveOwner(opts.User)
	if err != nil {
		return nil, fmt.Errorf("get collection %q: %w", collection, err)
	}

	path := buildResourcePath(actionAPI, user, collection, "")
	if opts.AuthKey != "" {
		path = buildQueryURL(path, []queryParam{stringParam("auth", opts.AuthKey)})
	}

	resp, err := s.do(ctx, "get collection", http.MethodGet, path, collection, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("get collection", collection, resp.StatusCode)
	}

	var detail collectionDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return nil, fmt.Errorf("get collection %q: failed to decode response: %w", collection, err)
	}

	// The service only names a viewer it has authenticated. A name that
	// does not match our own identity means the response cannot be for this
	// session.
	if detail.Username != "" && detail.Username != s.user {
		return nil, fmt.Errorf("get collection %q: response for user %q, expected %q", collection, detail.Username, s.user)
	}

	return &Collection{
		Name:     detail.Collection,
		Owner:    detail.Owner,
		Cover:    detail.Meta.Cover,
		Elements: elementsToBlobs(detail.Elements),
	}, nil
}

// DeleteCollection removes every blob in a collection. Collections have no
// lifecycle of their own, so emptying one makes it disappear from listings.
func (s *Session) DeleteCollection(ctx context.Context, collection string) error {
	coll, err := s.GetCollection(ctx, collection, nil)
	if err != nil {
		return err
	}
	for id := range coll.Elements {
		if err := s.DeleteBlob(ctx, collection, id); err != nil {
			return err
		}
	}
	return nil
}

// ListPublicBlobs enumerates blobs with public permission across one user,
// or across the whole service when user is empty. This axis is independent
// of collection membership, so no owner defaulting applies.
func (s *Session) ListPublicBlobs(ctx context.Context, user string) (map[string]Blob, error) {
	path := buildQueryURL("/query/blob_set", []queryParam{
		stringParam("public", user),
		flagParam("json"),
	})

	resp, err := s.do(ctx, "list public blobs", http.MethodGet, path, user, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list public blobs", user, resp.StatusCode)
	}

	var set blobSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("list public blobs of %q: failed to decode response: %w", user, err)
	}
	return elementsToBlobs(set.Elements), nil
}

// ShareCollection creates an anonymous, read-only share link for one of the
// logged-in user's collections and returns its URL. The trailing token of
// the URL is the auth key; AuthKeyFromShareURL extracts it.
func (s *Session) ShareCollection(ctx context.Context, collection string) (string, error) {
	owner, err := s.resolveOwner("")
	if err != nil {
		return "", fmt.Errorf("share collection %q: %w", collection, err)
	}

	form := url.Values{}
	form.Set("share", "create")

	path := buildResourcePath(actionAPI, owner, collection, "")
	resp, err := s.do(ctx, "share collection", http.MethodPost, path, collection, formContentType, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	defer discard(resp)

	if resp.StatusCode != http.StatusNoContent {
		return "", statusError("share collection", collection, resp.StatusCode)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("share collection %q: no location in response", collection)
	}
	return location, nil
}

// AuthKeyFromShareURL extracts the auth key from a share URL: the value of
// its "auth" parameter, or failing that its last path segment.
func AuthKeyFromShareURL(shareURL string) (string, error) {
	u, err := url.Parse(shareURL)
	if err != nil {
		return "", fmt.Errorf("malformed share URL %q: %w", shareURL, err)
	}
	if key := u.Query().Get("auth"); key != "" {
		return key, nil
	}
	trimmed := strings.TrimSuffix(u.Path, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 && i+1 < len(trimmed) {
		return trimmed[i+1:], nil
	}
	return "", fmt.Errorf("share URL %q carries no auth key", shareURL)
}

// ListShares enumerates the active auth keys of one collection.
func (s *Session) ListShares(ctx context.Context, collection string) ([]string, error) {
	owner, err := s.resolveOwner("")
	if err != nil {
		return nil, fmt.Errorf("list shares of %q: %w", collection, err)
	}

	form := url.Values{}
	form.Set("share", "list")

	path := buildResourcePath(actionAPI, owner, collection, "")
	resp, err := s.do(ctx, "list shares", http.MethodPost, path, collection, formContentType, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list shares", collection, resp.StatusCode)
	}

	var keys []string
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		return nil, fmt.Errorf("list shares of %q: failed to decode response: %w", collection, err)
	}
	return keys, nil
}
