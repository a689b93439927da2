package nodes

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/trellis-labs/trellis/core"
)

// HTTPClient abstracts outbound HTTP execution so tests can stub transports.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ToolFunc executes one registered tool.
type ToolFunc func(ctx context.Context, node core.Node, input string, ec *ExecContext) (string, error)

// ToolRegistry maps canonical tool names to implementations. Names are
// canonicalized on lookup: dashes become underscores, then aliases resolve.
type ToolRegistry struct {
	client   HTTPClient
	composio *ComposioClient
	byName   map[string]ToolFunc
	aliases  map[string]string
	observer ToolObserver
}

// NewToolRegistry wires the built-in tools plus the Composio dispatch path.
// broker may be nil when third-party tools are not configured.
func NewToolRegistry(client HTTPClient, broker core.CredentialBroker) *ToolRegistry {
	if client == nil {
		client = http.DefaultClient
	}
	r := &ToolRegistry{
		client:   client,
		composio: NewComposioClient(client, broker),
		byName:   make(map[string]ToolFunc),
		aliases: map[string]string{
			"web_search":    "search_web",
			"WebSearch":     "search_web",
			"webpage_visit": "visit_webpage",
		},
	}
	r.RegisterTool("search_web", r.searchWeb)
	r.RegisterTool("visit_webpage", r.visitWebpage)
	return r
}

// RegisterTool installs or replaces a tool under its canonical name.
func (r *ToolRegistry) RegisterTool(name string, fn ToolFunc) {
	r.byName[name] = fn
}

// SetObserver installs a telemetry sink for dispatches and retries.
func (r *ToolRegistry) SetObserver(obs ToolObserver) {
	r.observer = obs
	r.composio.observer = obs
}

// Canonicalize maps an incoming tool type to its registry name.
func (r *ToolRegistry) Canonicalize(name string) string {
	name = strings.ReplaceAll(name, "-", "_")
	if target, ok := r.aliases[name]; ok {
		return target
	}
	return name
}

// Dispatch runs the tool named by the node. Composio-prefixed types go to
// the external wrapper; everything else must resolve to a registered tool.
func (r *ToolRegistry) Dispatch(ctx context.Context, node core.Node, input string, ec *ExecContext) (string, error) {
	rawType := node.Data.ToolType
	if rawType == "" {
		rawType = node.Data.Type
	}
	if rawType == "" {
		return "", core.NewExecError(core.ErrorHandlerFailure, "tool %q has no tool type", node.ID).WithNode(node.ID)
	}

	start := time.Now()
	out, err := r.dispatch(ctx, rawType, node, input, ec)
	r.observeDispatch(rawType, node.ID, time.Since(start), err)
	return out, err
}

func (r *ToolRegistry) dispatch(ctx context.Context, rawType string, node core.Node, input string, ec *ExecContext) (string, error) {
	if strings.HasPrefix(rawType, core.ComposioTypePrefix) {
		action := strings.ReplaceAll(strings.TrimPrefix(rawType, core.ComposioTypePrefix), "-", "_")
		return r.composio.Execute(ctx, ec.UserID, action, node, input)
	}

	name := r.Canonicalize(rawType)
	fn, ok := r.byName[name]
	if !ok {
		return "", core.NewExecError(core.ErrorHandlerFailure, "unknown tool type %q", rawType).WithNode(node.ID)
	}
	return fn(ctx, node, input, ec)
}

func (r *ToolRegistry) observeDispatch(tool, nodeID string, elapsed time.Duration, err error) {
	if r.observer == nil {
		return
	}
	obs := ToolObservation{
		Tool:       tool,
		NodeID:     nodeID,
		DurationMS: float64(elapsed.Microseconds()) / 1000.0,
		Success:    err == nil,
	}
	if err != nil {
		execErr := core.ClassifyError(err, nodeID)
		obs.ErrorKind = string(execErr.Kind)
		obs.StatusCode = execErr.StatusCode
	}
	r.observer.ObserveDispatch(obs)
}

// searchWeb queries the DuckDuckGo instant-answer endpoint and returns the
// raw JSON body.
func (r *ToolRegistry) searchWeb(ctx context.Context, node core.Node, input string, _ *ExecContext) (string, error) {
	query := toolQuery(node, input)
	endpoint := "https://api.duckduckgo.com/?format=json&no_html=1&q=" + url.QueryEscape(query)
	return r.fetch(ctx, node.ID, endpoint)
}

// visitWebpage fetches a URL given either in the node inputs or as the
// upstream value and returns the response body.
func (r *ToolRegistry) visitWebpage(ctx context.Context, node core.Node, input string, _ *ExecContext) (string, error) {
	target := toolQuery(node, input)
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return "", core.NewExecError(core.ErrorHandlerFailure, "visit_webpage needs an absolute url, got %q", target).WithNode(node.ID)
	}
	return r.fetch(ctx, node.ID, target)
}

func (r *ToolRegistry) fetch(ctx context.Context, nodeID, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", core.NewExecError(core.ErrorHandlerFailure, "build request: %v", err).WithNode(nodeID)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", transportError(nodeID, 0, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", transportError(nodeID, resp.StatusCode, err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", transportError(nodeID, resp.StatusCode, fmt.Sprintf("status %d", resp.StatusCode))
	}
	return string(body), nil
}

// toolQuery prefers an explicit query/url input on the node and falls back
// to the upstream value.
func toolQuery(node core.Node, input string) string {
	for _, key := range []string{"query", "url", "input"} {
		if v, ok := node.Data.Inputs[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return input
}

func transportError(nodeID string, status int, msg string) *core.ExecError {
	return &core.ExecError{
		Kind:       core.ErrorToolTransport,
		Message:    msg,
		NodeID:     nodeID,
		StatusCode: status,
	}
}

// ToolHandler adapts the registry to the handler interface.
type ToolHandler struct{}

func (ToolHandler) Execute(ctx context.Context, node core.Node, input string, ec *ExecContext) (Outputs, error) {
	if ec.Tools == nil {
		return nil, core.NewExecError(core.ErrorInternal, "no tool registry configured")
	}
	out, err := ec.Tools.Dispatch(ctx, node, input, ec)
	if err != nil {
		return nil, core.ClassifyError(err, node.ID)
	}
	return Outputs{
		KeyResult:  out,
		KeyDefault: out,
	}, nil
}

var _ Handler = ToolHandler{}
