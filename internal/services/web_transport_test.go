package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neurochat/pkg/chattypes"
)

// webFrame builds one response line holding a wrb.fr envelope.
func webFrame(t *testing.T, cid, rid, rcid, text, thoughts, imageURL string) string {
	t.Helper()
	candidate := make([]any, 38)
	candidate[0] = rcid
	candidate[1] = []any{text}
	if thoughts != "" {
		candidate[37] = []any{[]any{thoughts}}
	}
	if imageURL != "" {
		media := make([]any, 8)
		media[7] = []any{[]any{[]any{[]any{nil, nil, nil, []any{nil, nil, nil, imageURL}}}}}
		candidate[12] = media
	}
	payload, err := json.Marshal([]any{nil, []any{cid, rid}, nil, nil, []any{candidate}})
	require.NoError(t, err)
	line, err := json.Marshal([]any{[]any{"wrb.fr", nil, string(payload)}})
	require.NoError(t, err)
	return string(line)
}

func webBody(frames ...string) string {
	var b strings.Builder
	b.WriteString(")]}'\n\n")
	for _, f := range frames {
		fmt.Fprintf(&b, "%d\n%s\n", len(f), f)
	}
	return b.String()
}

func TestParseWebResponse(t *testing.T) {
	body := webBody(
		`[["di",12],["af.httprm",12,"-1",5]]`,
		webFrame(t, "c_1", "r_1", "rc_1", "Hel", "", ""),
		webFrame(t, "c_1", "r_1", "rc_1", "Hello there", "weighing options", "https://img.example/gen.png"),
	)

	reply, err := parseWebResponse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "Hello there", reply.Text)
	assert.Equal(t, "weighing options", reply.Thoughts)
	assert.Equal(t, WebContext{CID: "c_1", RID: "r_1", RCID: "rc_1"}, reply.Context)
	assert.Equal(t, []chattypes.ImageRef{{URL: "https://img.example/gen.png"}}, reply.Images)
}

func TestParseWebResponse_NoCandidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"guard only", ")]}'"},
		{"no wrb.fr", webBody(`[["di",12]]`)},
		{"payload without candidates", webBody(`[["wrb.fr",null,"[null,[\"c\",\"r\"]]"]]`)},
		{"garbage", "<html>sign in</html>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseWebResponse([]byte(tt.body))
			require.Error(t, err)
			assert.Equal(t, chattypes.ErrNetworkGlitch, chattypes.KindOf(err))
			assert.Contains(t, err.Error(), "no valid response found")
		})
	}
}

func TestBuildWebPayload(t *testing.T) {
	raw, err := buildWebPayload("hi", []webFile{{ID: "/contrib/abc", Name: "a.png"}}, &WebContext{CID: "c", RID: "r", RCID: "rc"})
	require.NoError(t, err)

	var outer []any
	require.NoError(t, json.Unmarshal([]byte(raw), &outer))
	require.Len(t, outer, 2)
	assert.Nil(t, outer[0])

	var inner []any
	require.NoError(t, json.Unmarshal([]byte(outer[1].(string)), &inner))
	message := inner[0].([]any)
	assert.Equal(t, "hi", message[0])
	assert.Equal(t, []any{[]any{[]any{"/contrib/abc", float64(1)}, "a.png"}}, message[3])
	assert.Equal(t, []any{"c", "r", "rc"}, inner[2])

	raw, err = buildWebPayload("hi", nil, nil)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(raw), &outer))
	require.NoError(t, json.Unmarshal([]byte(outer[1].(string)), &inner))
	assert.Equal(t, []any{nil, nil, nil}, inner[2])
}

// fakeWebApp serves the app page, the upload endpoint and StreamGenerate.
type fakeWebApp struct {
	t          *testing.T
	token      string
	body       string
	status     int
	pageLoads  int
	forms      []url.Values
	headers    []http.Header
	uploads    []string
	generateAt []string
}

func (f *fakeWebApp) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/app"):
			f.pageLoads++
			if f.token == "" {
				_, _ = io.WriteString(w, "<html>please sign in</html>")
				return
			}
			_, _ = fmt.Fprintf(w, `<script>WIZ_global_data = {"SNlM0e":"%s","other":1}</script>`, f.token)
		case r.URL.Path == "/upload":
			file, header, err := r.FormFile("file")
			require.NoError(f.t, err)
			data, _ := io.ReadAll(file)
			f.uploads = append(f.uploads, header.Filename+":"+string(data))
			assert.Equal(f.t, webUploadPushID, r.Header.Get("Push-ID"))
			_, _ = io.WriteString(w, "/contrib_service/file-1\n")
		case strings.HasSuffix(r.URL.Path, webGeneratePath):
			require.NoError(f.t, r.ParseForm())
			f.forms = append(f.forms, r.PostForm)
			f.headers = append(f.headers, r.Header.Clone())
			f.generateAt = append(f.generateAt, r.URL.Path)
			if f.status != 0 {
				w.WriteHeader(f.status)
				return
			}
			_, _ = io.WriteString(w, f.body)
		default:
			http.NotFound(w, r)
		}
	})
}

func newFakeWebTransport(t *testing.T, app *fakeWebApp) *HTTPWebTransport {
	t.Helper()
	app.t = t
	server := httptest.NewServer(app.handler())
	t.Cleanup(server.Close)

	transport := NewHTTPWebTransport(
		map[int]string{0: "SID=zero", 1: "SID=one"},
		map[string]string{"gemini-2.5-pro": "[1,\"pro\"]"},
		server.Client(),
	)
	transport.BaseURL = server.URL
	transport.UploadURL = server.URL + "/upload"
	return transport
}

func TestHTTPWebTransport_Generate(t *testing.T) {
	app := &fakeWebApp{token: "tok-123", body: webBody(webFrame(t, "c_9", "r_9", "rc_9", "Answer", "", ""))}
	transport := newFakeWebTransport(t, app)

	reply, err := transport.Generate(context.Background(), WebRequest{
		Account: 1,
		Model:   "gemini-2.5-pro",
		Prompt:  "question",
		Files:   []chattypes.Attachment{{Data: "aGVsbG8=", MIMEType: "text/plain", Name: "note.txt"}},
		Context: &WebContext{CID: "c_1", RID: "r_1", RCID: "rc_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Answer", reply.Text)
	assert.Equal(t, "c_9", reply.Context.CID)

	require.Len(t, app.forms, 1)
	assert.Equal(t, "tok-123", app.forms[0].Get("at"))
	fReq := app.forms[0].Get("f.req")
	assert.Contains(t, fReq, "question")
	assert.Contains(t, fReq, "c_1")
	assert.Contains(t, fReq, "/contrib_service/file-1")
	assert.Equal(t, "SID=one", app.headers[0].Get("Cookie"))
	assert.Equal(t, "[1,\"pro\"]", app.headers[0].Get(webModelHeader))
	assert.True(t, strings.HasPrefix(app.generateAt[0], "/u/1/"))
	assert.Equal(t, []string{"note.txt:hello"}, app.uploads)

	// the access token is cached per account
	_, err = transport.Generate(context.Background(), WebRequest{Account: 1, Prompt: "again"})
	require.NoError(t, err)
	assert.Equal(t, 1, app.pageLoads)
}

func TestHTTPWebTransport_NotLoggedIn(t *testing.T) {
	app := &fakeWebApp{}
	transport := newFakeWebTransport(t, app)

	_, err := transport.Generate(context.Background(), WebRequest{Account: 0, Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, chattypes.ErrAuth, chattypes.KindOf(err))
	assert.Contains(t, err.Error(), "not logged in")

	_, err = transport.Generate(context.Background(), WebRequest{Account: 7, Prompt: "x"})
	assert.Equal(t, chattypes.ErrAuth, chattypes.KindOf(err))
	assert.Empty(t, app.forms)
}

func TestHTTPWebTransport_RejectedTokenIsForgotten(t *testing.T) {
	app := &fakeWebApp{token: "tok", status: http.StatusUnauthorized}
	transport := newFakeWebTransport(t, app)

	_, err := transport.Generate(context.Background(), WebRequest{Account: 0, Prompt: "x"})
	require.Error(t, err)
	var ce *chattypes.ChatError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http.StatusUnauthorized, ce.StatusCode)

	_, _ = transport.Generate(context.Background(), WebRequest{Account: 0, Prompt: "x"})
	assert.Equal(t, 2, app.pageLoads)
}
