package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/trellis-labs/trellis/bus"
	"github.com/trellis-labs/trellis/config"
	"github.com/trellis-labs/trellis/core"
	"github.com/trellis-labs/trellis/engine"
	"github.com/trellis-labs/trellis/irisinvoker"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a workflow graph file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().StringP("input", "i", "", "Initial input string")
	cmd.Flags().StringP("input-file", "f", "", "Read the initial input from a file")
	cmd.Flags().String("user", "", "User id to run as")
	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Duration("timeout", 5*time.Minute, "Execution timeout")
	cmd.Flags().String("config", "", "Path to trellis.yaml")
	cmd.Flags().StringArray("provider-key", nil, "Set provider API key (repeatable, e.g. --provider-key openai=sk-...)")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	graph, err := loadGraphFile(args[0])
	if err != nil {
		return err
	}

	input, err := resolveInput(cmd)
	if err != nil {
		return err
	}

	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	keys, err := resolveProviderKeys(cmd, cfg)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Config{
		Invoker: irisinvoker.New(irisinvoker.Config{APIKeys: keys}),
		Broker:  cfg.Broker(),
	})
	defer eng.Shutdown()

	userID, _ := cmd.Flags().GetString("user")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	format, _ := cmd.Flags().GetString("format")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	execID, err := eng.Submit(ctx, core.Submission{
		Graph:  graph,
		Input:  input,
		UserID: userID,
	})
	if err != nil {
		return exitError(exitRuntime, "submit: %v", err)
	}

	exec, err := followExecution(ctx, cmd, eng, execID)
	if err != nil {
		if ctx.Err() != nil {
			_ = eng.Cancel(execID)
			return exitError(exitTimeout, "execution timed out after %s", timeout)
		}
		return err
	}

	return writeRunOutput(cmd.OutOrStdout(), exec, format)
}

// followExecution watches the execution's event stream, answering input
// requests from stdin, until the run settles.
func followExecution(ctx context.Context, cmd *cobra.Command, eng *engine.Engine, execID string) (*core.Execution, error) {
	snapshot, sub, err := subscribeWhenVisible(ctx, eng, execID)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	if snapshot.Status.Terminal() {
		return snapshot, nil
	}
	// The execution may have settled between the snapshot read and the
	// subscription attach.
	if exec, ok := eng.Get(execID); ok && exec.Status.Terminal() {
		return exec, nil
	}

	stdin := bufio.NewScanner(cmd.InOrStdin())
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case msg, open := <-sub.Messages():
			if !open {
				if exec, ok := eng.Get(execID); ok {
					return exec, nil
				}
				return nil, exitError(exitRuntime, "execution %s disappeared", execID)
			}

			switch msg.Type {
			case bus.MessageInputRequest:
				fmt.Fprintln(cmd.OutOrStdout(), msg.Question)
				fmt.Fprint(cmd.OutOrStdout(), "> ")
				if !stdin.Scan() {
					return nil, exitError(exitInputParse, "stdin closed while input was required")
				}
				if err := eng.ProvideInput(execID, stdin.Text()); err != nil {
					return nil, exitError(exitRuntime, "providing input: %v", err)
				}

			case bus.MessageExecutionUpdate:
				if msg.Status.Terminal() {
					if exec, ok := eng.Get(execID); ok {
						return exec, nil
					}
				}
			}
		}
	}
}

// subscribeWhenVisible retries until the engine has committed the first
// progress snapshot for the execution.
func subscribeWhenVisible(ctx context.Context, eng *engine.Engine, execID string) (*core.Execution, bus.Subscription, error) {
	for {
		if snapshot, sub, ok := eng.Subscribe(execID); ok {
			return snapshot, sub, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func writeRunOutput(out io.Writer, exec *core.Execution, format string) error {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(exec); err != nil {
			return err
		}
	} else {
		if exec.Result != "" {
			fmt.Fprintln(out, exec.Result)
		}
		if exec.Trace != nil && exec.Trace.CostInfo.TotalTokens > 0 {
			fmt.Fprintf(out, "tokens: %d  cost: $%.4f\n",
				exec.Trace.CostInfo.TotalTokens, exec.Trace.CostInfo.TotalCost)
		}
	}

	if exec.Status == core.StatusFailed {
		msg := "execution failed"
		if exec.Error != nil {
			msg = exec.Error.Error()
		}
		return exitError(exitRuntime, "%s", msg)
	}
	return nil
}

func resolveInput(cmd *cobra.Command) (string, error) {
	input, _ := cmd.Flags().GetString("input")
	inputFile, _ := cmd.Flags().GetString("input-file")
	if inputFile == "" {
		return input, nil
	}
	if input != "" {
		return "", exitError(exitInputParse, "--input and --input-file are mutually exclusive")
	}
	// #nosec G304 -- path comes from the command line.
	data, err := os.ReadFile(inputFile)
	if err != nil {
		return "", exitError(exitFileNotFound, "reading input file: %v", err)
	}
	return string(data), nil
}

func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	explicit, _ := cmd.Flags().GetString("config")
	path, found, err := config.Discover(explicit)
	if err != nil {
		return config.Config{}, exitError(exitFileNotFound, "%v", err)
	}
	if !found {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, exitError(exitInputParse, "%v", err)
	}
	return cfg, nil
}

// resolveProviderKeys merges --provider-key flags over the config file.
func resolveProviderKeys(cmd *cobra.Command, cfg config.Config) (map[string]string, error) {
	keys := cfg.APIKeys()
	pairs, _ := cmd.Flags().GetStringArray("provider-key")
	for _, pair := range pairs {
		name, key, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, exitError(exitInputParse, "invalid --provider-key %q, want name=key", pair)
		}
		keys[strings.ToLower(strings.TrimSpace(name))] = key
	}
	return keys, nil
}
