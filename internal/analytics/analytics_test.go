package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/comigor/floatchat-go/internal/config"
	"github.com/comigor/floatchat-go/internal/history"
)

func TestNormalize_Shapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		link string
		qc   *float64
	}{
		{"links as string", `{"text":"hi","links":"https://p/1.png","QC":{"number":0.9,"variable":"temp"}}`, "https://p/1.png", ptr(0.9)},
		{"links as list", `{"text":"hi","links":["", "https://p/2.png"],"qc":0.4}`, "https://p/2.png", ptr(0.4)},
		{"visualization_url", `{"text":"hi","visualization_url":"https://p/3.png"}`, "https://p/3.png", nil},
		{"viz_url", `{"text":"hi","viz_url":"https://p/4.png","qc":"0.7"}`, "https://p/4.png", ptr(0.7)},
		{"plot_url", `{"text":"hi","plot_url":"https://p/5.png"}`, "https://p/5.png", nil},
		{"gatekeeper reply", `{"text":"Please ask about ARGO floats.","links":null,"QC":null}`, "", nil},
		{"links wins over link", `{"text":"hi","links":"a","link":"b"}`, "a", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, err := decodeAnswer([]byte(tc.body))
			require.NoError(t, err)
			if tc.link == "" {
				require.Nil(t, a.Link)
			} else {
				require.Equal(t, tc.link, *a.Link)
			}
			if tc.qc == nil {
				require.Nil(t, a.QC)
			} else {
				require.InDelta(t, *tc.qc, *a.QC, 1e-9)
			}
		})
	}
}

func TestNormalize_Malformed(t *testing.T) {
	for _, body := range []string{`not json`, `{"links":"x"}`, `{"text":"   "}`, `[1,2]`} {
		_, err := decodeAnswer([]byte(body))
		require.ErrorIs(t, err, ErrMalformedAnswer, body)
	}
}

func TestQCPolicy(t *testing.T) {
	withQC := Answer{Text: "x", QC: ptr(0.3)}
	without := Answer{Text: "x"}

	engine := QCPolicy{Source: config.QCFromEngine}
	require.Equal(t, 0.3, engine.Resolve(withQC).Value)
	require.Equal(t, "engine", engine.Resolve(withQC).Source)
	require.Nil(t, engine.Resolve(without))

	fixed := QCPolicy{Source: config.QCFixed, Fixed: 0}
	require.Equal(t, 0.0, fixed.Resolve(withQC).Value)
	require.Equal(t, "fixed", fixed.Resolve(without).Source)

	none := QCPolicy{Source: config.QCNone}
	require.Nil(t, none.Resolve(withQC))
}

func TestHTTPEngine_Query(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/query", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"Mean temperature is 28.1 C","links":"https://plots/t.png","QC":{"number":0,"variable":"temp"}}`))
	}))
	defer srv.Close()

	e := NewHTTPEngine(config.AnalyticsConfig{BaseURL: srv.URL, Path: "/query", Timeout: 5 * time.Second,
		Headers: map[string]string{"X-Api-Key": "secret"}})
	a, err := e.Query(context.Background(), Request{
		Message: "What is the temperature near 10N 75E?",
		Role:    "Student",
		History: []history.Entry{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	require.Equal(t, "Mean temperature is 28.1 C", a.Text)
	require.Equal(t, "https://plots/t.png", *a.Link)
	require.Equal(t, 0.0, *a.QC)

	require.Equal(t, "Student", got.Role)
	require.Len(t, got.History, 1)
}

func TestHTTPEngine_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/boom":
			http.Error(w, "internal failure", http.StatusInternalServerError)
		case "/slow":
			time.Sleep(500 * time.Millisecond)
			_, _ = w.Write([]byte(`{"text":"late"}`))
		default:
			_, _ = w.Write([]byte(`<html>oops</html>`))
		}
	}))
	defer srv.Close()

	boom := NewHTTPEngine(config.AnalyticsConfig{BaseURL: srv.URL, Path: "/boom", Timeout: time.Second})
	_, err := boom.Query(context.Background(), Request{Message: "q"})
	require.ErrorContains(t, err, "status 500")

	html := NewHTTPEngine(config.AnalyticsConfig{BaseURL: srv.URL, Path: "/html", Timeout: time.Second})
	_, err = html.Query(context.Background(), Request{Message: "q"})
	require.ErrorIs(t, err, ErrMalformedAnswer)

	slow := NewHTTPEngine(config.AnalyticsConfig{BaseURL: srv.URL, Path: "/slow", Timeout: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = slow.Query(ctx, Request{Message: "q"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type mockMCPClient struct {
	callToolFunc func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	closed       bool
}

func (m *mockMCPClient) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return m.callToolFunc(ctx, req)
}

func (m *mockMCPClient) Close() error {
	m.closed = true
	return nil
}

func TestMCPEngine_Query(t *testing.T) {
	var gotArgs map[string]any
	mc := &mockMCPClient{callToolFunc: func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		require.Equal(t, "query", req.Params.Name)
		raw, err := json.Marshal(req.Params.Arguments)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &gotArgs))
		return &mcp.CallToolResult{Content: []mcp.Content{
			mcp.NewTextContent(`{"text":"Salinity is 35.2 PSU","plot_url":"https://plots/s.png"}`),
		}}, nil
	}}
	e := NewMCPEngineWithClient(mc, "")

	a, err := e.Query(context.Background(), Request{Message: "salinity?", Role: "Researcher",
		History: []history.Entry{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}}})
	require.NoError(t, err)
	require.Equal(t, "Salinity is 35.2 PSU", a.Text)
	require.Equal(t, "https://plots/s.png", *a.Link)
	require.Equal(t, "salinity?", gotArgs["message"])
	require.Len(t, gotArgs["history"], 2)

	require.NoError(t, e.Close())
	require.True(t, mc.closed)
}

func TestMCPEngine_PlainTextAndErrors(t *testing.T) {
	plain := NewMCPEngineWithClient(&mockMCPClient{callToolFunc: func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent("just words")}}, nil
	}}, "query")
	a, err := plain.Query(context.Background(), Request{Message: "q"})
	require.NoError(t, err)
	require.Equal(t, "just words", a.Text)
	require.Nil(t, a.Link)

	toolErr := NewMCPEngineWithClient(&mockMCPClient{callToolFunc: func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{mcp.NewTextContent("sql failed")}}, nil
	}}, "query")
	_, err = toolErr.Query(context.Background(), Request{Message: "q"})
	require.ErrorContains(t, err, "sql failed")

	transportErr := NewMCPEngineWithClient(&mockMCPClient{callToolFunc: func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return nil, errors.New("connection refused")
	}}, "query")
	_, err = transportErr.Query(context.Background(), Request{Message: "q"})
	require.ErrorContains(t, err, "connection refused")
}

func ptr(f float64) *float64 { return &f }
