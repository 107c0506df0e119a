package kit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestChain_OutermostFirst(t *testing.T) {
	var trace []string
	tag := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				trace = append(trace, "+"+name)
				defer func() { trace = append(trace, "-"+name) }()
				return next(ctx, req)
			}
		}
	}

	e := Chain(tag("log"), tag("auth"))(func(context.Context, any) (any, error) {
		trace = append(trace, "call")
		return 7, nil
	})
	got, err := e(context.Background(), nil)
	if err != nil || got != 7 {
		t.Fatalf("got %v, %v", got, err)
	}
	if s := strings.Join(trace, " "); s != "+log +auth call -auth -log" {
		t.Errorf("trace = %q", s)
	}
}

func TestChain_Empty(t *testing.T) {
	sentinel := errors.New("no source")
	e := Chain()(func(context.Context, any) (any, error) { return nil, sentinel })
	if _, err := e(context.Background(), nil); !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want %v", err, sentinel)
	}
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	failing := Logging(logger, "collect")(func(context.Context, any) (any, error) {
		return nil, errors.New("boom")
	})
	ctx := WithRequestID(WithTransport(context.Background(), "mcp"), "req_1")
	if _, err := failing(ctx, nil); err == nil {
		t.Fatal("expected error")
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line: %v (%s)", err, buf.String())
	}
	if line["endpoint"] != "collect" || line["transport"] != "mcp" || line["request_id"] != "req_1" || line["error"] != "boom" {
		t.Errorf("log attrs: %v", line)
	}
}

func TestContext_Defaults(t *testing.T) {
	ctx := context.Background()
	if v := GetTransport(ctx); v != "http" {
		t.Fatalf("default transport: got %q, want 'http'", v)
	}
	if v := GetRequestID(ctx); v != "" {
		t.Fatalf("request_id default: got %q", v)
	}

	ctx = WithRequestID(WithTransport(ctx, "mcp"), "req_abc")
	if GetTransport(ctx) != "mcp" || GetRequestID(ctx) != "req_abc" {
		t.Fatalf("after set: %q %q", GetTransport(ctx), GetRequestID(ctx))
	}
}

type echoReq struct {
	Name string `json:"name"`
}

func mcpSession(t *testing.T) *mcp.ClientSession {
	t.Helper()
	impl := &mcp.Implementation{Name: "kit-test", Version: "0.1.0"}
	srv := mcp.NewServer(impl, nil)

	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"name": map[string]any{"type": "string"}},
	}
	AddTool[echoReq](srv, &mcp.Tool{Name: "echo", InputSchema: schema},
		func(ctx context.Context, req any) (any, error) {
			r := req.(*echoReq)
			if r.Name == "" {
				return nil, errors.New("name is required")
			}
			if !strings.HasPrefix(GetRequestID(ctx), "mcp-") {
				return nil, errors.New("missing request id")
			}
			return map[string]string{"name": r.Name, "transport": GetTransport(ctx)}, nil
		})

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	session, err := mcp.NewClient(impl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func TestAddTool(t *testing.T) {
	session := mcpSession(t)

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"name": "flow"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %+v", res.Content)
	}
	text := res.Content[0].(*mcp.TextContent).Text
	if text != `{"name":"flow","transport":"mcp"}` {
		t.Errorf("result = %s", text)
	}

	res, err = session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError {
		t.Fatal("endpoint error must surface as a tool error")
	}
}

func TestAddTool_BadArguments(t *testing.T) {
	session := mcpSession(t)

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"name": 12},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError {
		t.Fatal("a mistyped argument must surface as a tool error")
	}
	if text := res.Content[0].(*mcp.TextContent).Text; !strings.Contains(text, "invalid arguments") {
		t.Errorf("error text = %q", text)
	}
}
