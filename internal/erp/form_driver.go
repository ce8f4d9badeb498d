package erp

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FormDriver dials sessions against the remote system's web frontend using
// plain form posts and a cookie jar. One Session per jar.
type FormDriver struct {
	BaseURL  string
	Timeout  time.Duration
	MaxBytes int64
}

// NewFormDriver builds a dialer for the given frontend base URL.
func NewFormDriver(baseURL string, timeout time.Duration, maxBytes int64) *FormDriver {
	if timeout == 0 {
		timeout = 45 * time.Second
	}
	if maxBytes == 0 {
		maxBytes = 25 * 1024 * 1024
	}
	return &FormDriver{BaseURL: strings.TrimRight(baseURL, "/"), Timeout: timeout, MaxBytes: maxBytes}
}

// Dial logs in and returns the authenticated session.
func (d *FormDriver) Dial(ctx context.Context, creds Credentials) (Session, error) {
	if creds.Username == "" || creds.Password == "" {
		return nil, Errf(KindValidation, "username and password are required")
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	s := &formSession{
		base: d.BaseURL,
		client: &http.Client{
			Jar:     jar,
			Timeout: d.Timeout,
		},
		maxBytes: d.MaxBytes,
	}
	if err := s.login(ctx, creds); err != nil {
		return nil, err
	}
	return s, nil
}

type formSession struct {
	base     string
	client   *http.Client
	maxBytes int64
}

func (s *formSession) login(ctx context.Context, creds Credentials) error {
	form := url.Values{
		"username": {creds.Username},
		"password": {creds.Password},
	}
	body, status, err := s.postForm(ctx, "/login", form)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Errf(KindAuthExpired, "login rejected for %s", creds.Username)
	case status >= 500:
		return Errf(KindTransient, "login returned status %d", status)
	case status >= 400:
		return Errf(KindPermanent, "login returned status %d", status)
	}
	// Some frontends answer 200 with an error banner instead of a status.
	if strings.Contains(strings.ToLower(string(body)), "credenziali non valide") {
		return Errf(KindAuthExpired, "login rejected for %s", creds.Username)
	}
	return nil
}

var orderNumberRe = regexp.MustCompile(`(?i)ordine\s+n[.°]?\s*([A-Z0-9/-]+)`)

func (s *formSession) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if req.CustomerCode == "" || len(req.Lines) == 0 {
		return OrderResult{}, Errf(KindValidation, "order needs a customer and at least one line")
	}
	form := url.Values{
		"customer":  {req.CustomerCode},
		"reference": {req.Reference},
	}
	for i, line := range req.Lines {
		form.Set(fmt.Sprintf("lines[%d][code]", i), line.ProductCode)
		form.Set(fmt.Sprintf("lines[%d][qty]", i), strconv.FormatFloat(line.Quantity, 'f', -1, 64))
	}
	body, status, err := s.postForm(ctx, "/orders/new", form)
	if err != nil {
		return OrderResult{}, err
	}
	if err := classifyStatus(status, "order submission"); err != nil {
		return OrderResult{}, err
	}
	m := orderNumberRe.FindSubmatch(body)
	if m == nil {
		return OrderResult{}, Errf(KindPermanent, "order confirmation number missing from response")
	}
	return OrderResult{OrderNumber: string(m[1]), PlacedAt: time.Now().UTC()}, nil
}

func (s *formSession) FetchDocument(ctx context.Context, ref DocumentRef) (Document, error) {
	if ref.Kind == "" || ref.Number == "" {
		return Document{}, Errf(KindValidation, "document kind and number are required")
	}
	path := fmt.Sprintf("/documents/%s/%s/pdf", url.PathEscape(ref.Kind), url.PathEscape(ref.Number))
	body, contentType, status, err := s.get(ctx, path)
	if err != nil {
		return Document{}, err
	}
	if status == http.StatusNotFound {
		return Document{}, Errf(KindPermanent, "document %s/%s not found", ref.Kind, ref.Number)
	}
	if err := classifyStatus(status, "document fetch"); err != nil {
		return Document{}, err
	}
	return Document{Ref: ref, ContentType: contentType, Body: body}, nil
}

func (s *formSession) Export(ctx context.Context, dataset string) ([]map[string]string, error) {
	body, _, status, err := s.get(ctx, "/export/"+url.PathEscape(dataset)+".csv")
	if err != nil {
		return nil, err
	}
	if err := classifyStatus(status, "export"); err != nil {
		return nil, err
	}
	reader := csv.NewReader(strings.NewReader(string(body)))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, Wrap(KindPermanent, "malformed export", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	header := rows[0]
	records := make([]map[string]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *formSession) Ping(ctx context.Context) error {
	_, _, status, err := s.get(ctx, "/home")
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return Errf(KindAuthExpired, "session no longer authenticated")
	}
	return classifyStatus(status, "ping")
}

func (s *formSession) Close(ctx context.Context) error {
	_, _, _, err := s.get(ctx, "/logout")
	return err
}

func (s *formSession) postForm(ctx context.Context, path string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, Wrap(KindTransient, "post "+path, err)
	}
	defer resp.Body.Close()
	body, err := s.readLimited(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func (s *formSession) get(ctx context.Context, path string) ([]byte, string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+path, nil)
	if err != nil {
		return nil, "", 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", 0, Wrap(KindTransient, "get "+path, err)
	}
	defer resp.Body.Close()
	body, err := s.readLimited(resp.Body)
	if err != nil {
		return nil, "", 0, err
	}
	return body, resp.Header.Get("Content-Type"), resp.StatusCode, nil
}

func (s *formSession) readLimited(r io.Reader) ([]byte, error) {
	limited := io.LimitReader(r, s.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, Wrap(KindTransient, "read response", err)
	}
	if int64(len(body)) > s.maxBytes {
		return nil, Errf(KindPermanent, "response too large (>%d bytes)", s.maxBytes)
	}
	return body, nil
}

func classifyStatus(status int, op string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Errf(KindAuthExpired, "%s rejected: not authenticated", op)
	case status >= 500 || status == http.StatusTooManyRequests:
		return Errf(KindTransient, "%s returned status %d", op, status)
	case status >= 400:
		return Errf(KindPermanent, "%s returned status %d", op, status)
	}
	return nil
}
