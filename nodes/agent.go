package nodes

import (
	"context"

	"github.com/trellis-labs/trellis/core"
)

// AgentHandler delegates to the configured agent invoker, passing along the
// tools bound to the node through tool-handle edges.
type AgentHandler struct{}

func (AgentHandler) Execute(ctx context.Context, node core.Node, input string, ec *ExecContext) (Outputs, error) {
	if ec.Invoker == nil {
		return nil, core.NewExecError(core.ErrorInternal, "no agent invoker configured")
	}

	spec := core.AgentSpec{
		Name:         node.Data.DisplayName(),
		ModelID:      node.Data.ModelID,
		Instructions: node.Data.Instructions,
		Description:  node.Data.Description,
	}

	var tools []core.ToolBinding
	if ec.Graph != nil {
		for _, toolID := range ec.Graph.BoundTools(node.ID) {
			tn := ec.Graph.NodeByID(toolID)
			if tn == nil {
				continue
			}
			toolType := tn.Data.ToolType
			if toolType == "" {
				toolType = tn.Data.Type
			}
			tools = append(tools, core.ToolBinding{
				ID:     tn.ID,
				Type:   toolType,
				Inputs: tn.Data.Inputs,
			})
		}
	}

	res, err := ec.Invoker.Invoke(ctx, spec, tools, input)
	if err != nil {
		return nil, core.ClassifyError(err, node.ID)
	}
	if res.RawTrace != nil {
		ec.RawTraces = append(ec.RawTraces, res.RawTrace)
	}
	return Outputs{
		KeyResult:  res.FinalOutput,
		KeyDefault: res.FinalOutput,
	}, nil
}

var _ Handler = AgentHandler{}
