package kdbview

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/valyala/fastjson"
)

// Request describes one call to the document store.
type Request struct {
	Path   string
	Method string
	Header http.Header
	Body   interface{}
	Query  url.Values
}

// Response is what the document store answered. Data holds the raw body.
type Response struct {
	Code   int
	Header http.Header
	Data   []byte
}

// Transport performs requests against the document store.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Credentials for basic auth.
type Credentials struct {
	user     string
	password string
}

// NewCredentials returns credentials usable with WithCredentials.
func NewCredentials(user, password string) *Credentials {
	return &Credentials{user: user, password: password}
}

// HTTPTransport is the default Transport, speaking JSON over net/http.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
	cred    *Credentials
}

// NewHTTPTransport returns a transport rooted at baseURL.
func NewHTTPTransport(baseURL string, client *http.Client, cred *Credentials) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{baseURL: strings.TrimRight(baseURL, "/"), client: client, cred: cred}
}

var logRequest = LogFn(LogLevelRequest, "transport")

// Do sends req and reads the whole response body. A status outside
// 2xx/304 is returned as an error wrapping ErrTransport and *ServerError,
// together with the response.
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		switch b := req.Body.(type) {
		case []byte:
			bodyReader = bytes.NewReader(b)
		case string:
			bodyReader = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				return nil, err
			}
			bodyReader = bytes.NewReader(data)
		}
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	u := t.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Header {
		httpReq.Header[k] = v
	}
	if httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if t.cred != nil {
		httpReq.SetBasicAuth(t.cred.user, t.cred.password)
	}

	logRequest("%s %s", method, u)
	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, transportError(err)
	}

	resp := &Response{Code: httpResp.StatusCode, Header: httpResp.Header, Data: data}
	if !okStatus(resp.Code) {
		return resp, transportError(decodeServerError(resp.Code, data))
	}
	return resp, nil
}

func okStatus(code int) bool {
	return (code >= 200 && code < 300) || code == http.StatusNotModified
}

func decodeServerError(code int, data []byte) *ServerError {
	sErr := &ServerError{StatusCode: code}
	_ = parseJSON(data, func(v *fastjson.Value) error {
		sErr.Type = string(v.GetStringBytes("error"))
		sErr.Reason = string(v.GetStringBytes("reason"))
		return nil
	})
	if sErr.Type == "" {
		sErr.Type = strings.ReplaceAll(strings.ToLower(http.StatusText(code)), " ", "_")
	}
	return sErr
}

// path joins escaped path segments into an absolute path.
func path(segments ...string) string {
	var b strings.Builder
	for _, s := range segments {
		if s == "" {
			continue
		}
		b.WriteByte('/')
		if strings.HasPrefix(s, "_design/") {
			b.WriteString("_design/" + url.PathEscape(strings.TrimPrefix(s, "_design/")))
			continue
		}
		if strings.HasPrefix(s, "_") {
			b.WriteString(s)
			continue
		}
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}
