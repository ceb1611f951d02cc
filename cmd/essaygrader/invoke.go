package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/amibaren/essaygrader/internal/agent"
	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/gateway/httpapi"
)

var (
	invokeInput    string
	invokePrompt   string
	invokeExamples string
	invokeNoCache  bool
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <role>",
	Short: "Call a single agent role with a JSON input",
	Long: `Call one agent role (designer, analyst, praiser, guide or reporter) outside the
grading workflow. The input is the role's JSON input object, read from --input
or stdin. The agent output is printed as JSON.`,
	Example: `  essaygrader invoke praiser --input praiser.json
  echo '{"grade":"grade_3","type":"narrative"}' | essaygrader invoke designer`,
	Args: cobra.ExactArgs(1),
	RunE: runInvoke,
}

func init() {
	f := invokeCmd.Flags()
	f.StringVarP(&invokeInput, "input", "i", "-", "JSON input file (- for stdin)")
	f.StringVarP(&invokePrompt, "prompt", "p", "", "task prompt sent with the input")
	f.StringVar(&invokeExamples, "examples", "", "JSON file with few-shot examples")
	f.BoolVar(&invokeNoCache, "no-cache", false, "bypass the agent result cache")
}

func runInvoke(cmd *cobra.Command, args []string) error {
	role, err := domain.ParseAgentRole(args[0])
	if err != nil {
		return err
	}
	raw, err := readInput(cmd.InOrStdin(), invokeInput)
	if err != nil {
		return err
	}
	input, err := domain.DecodeInput(role, raw)
	if err != nil {
		return err
	}
	var examples []domain.Example
	if invokeExamples != "" {
		data, err := os.ReadFile(invokeExamples)
		if err != nil {
			return fmt.Errorf("reading examples: %w", err)
		}
		if err := json.Unmarshal(data, &examples); err != nil {
			return fmt.Errorf("parsing examples: %w", err)
		}
	}

	sc, err := setup()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	out := sc.Agents.Invoke(cmd.Context(), role, invokePrompt, input, examples, agent.CallConfig{NoCache: invokeNoCache})
	resp := httpapi.InvokeResponse{
		Role:       out.Role,
		Status:     out.Status,
		Cause:      out.Cause,
		Attempts:   out.Attempts,
		DurationMS: out.Duration.Milliseconds(),
		Cached:     out.Cached,
		Payload:    out.Payload,
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
		return err
	}
	if !out.OK() {
		return fmt.Errorf("%s invocation failed: %w", role, out.Failure())
	}
	return nil
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, fmt.Errorf("input is empty")
	}
	return data, nil
}
