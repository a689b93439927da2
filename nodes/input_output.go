package nodes

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/trellis-labs/trellis/core"
)

// InputHandler seeds the flow with the submission's initial input.
type InputHandler struct{}

func (InputHandler) Execute(_ context.Context, _ core.Node, _ string, ec *ExecContext) (Outputs, error) {
	return Outputs{
		KeyResult:  ec.InitialInput,
		KeyDefault: ec.InitialInput,
	}, nil
}

// OutputHandler passes its input through. With format=json the value is
// wrapped as {"result": value} in canonical serialization.
type OutputHandler struct{}

func (OutputHandler) Execute(_ context.Context, node core.Node, input string, _ *ExecContext) (Outputs, error) {
	if strings.EqualFold(node.Data.Format, "json") {
		wrapped, err := json.Marshal(map[string]string{"result": input})
		if err != nil {
			return nil, core.NewExecError(core.ErrorInternal, "marshal output: %v", err)
		}
		input = string(wrapped)
	}
	return Outputs{
		KeyResult:  input,
		KeyDefault: input,
	}, nil
}

var (
	_ Handler = InputHandler{}
	_ Handler = OutputHandler{}
)
