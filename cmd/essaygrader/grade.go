package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/amibaren/essaygrader/internal/domain"
	"github.com/amibaren/essaygrader/internal/gateway/ws"
	"github.com/amibaren/essaygrader/internal/protocol"
	"github.com/amibaren/essaygrader/internal/report"
	"github.com/amibaren/essaygrader/internal/workflow"
)

var (
	gradeFile     string
	gradeLevel    string
	gradeType     string
	gradeSchemaID string
	gradeFocus    string
	gradeEssayID  string
	gradeFormat   string
	gradeURL      string
	gradeToken    string
)

var gradeCmd = &cobra.Command{
	Use:   "grade [text]",
	Short: "Grade one essay and print the report",
	Long: `Grade one essay. The text comes from --file, from the arguments, or from
stdin when neither is given. With --url the essay is sent to a running
gateway over WebSocket instead of being graded in process.`,
	Example: `  essaygrader grade --grade 3 --type narrative 小明今天去公园玩
  essaygrader grade --grade 5 --file essay.txt --format json
  cat essay.txt | essaygrader grade --grade 4 --url ws://localhost:8080/v1/ws/grade`,
	RunE: runGrade,
}

func init() {
	f := gradeCmd.Flags()
	f.StringVarP(&gradeFile, "file", "f", "", "read the essay from a file (- for stdin)")
	f.StringVar(&gradeLevel, "grade", "3", "grade level 1-6 (also grade_3, \"Grade 3\")")
	f.StringVar(&gradeType, "type", string(domain.EssayNarrative), "essay type: narrative, descriptive, expository, argumentative or practical")
	f.StringVar(&gradeSchemaID, "schema", "", "schema id grade/type/vN to grade against")
	f.StringVar(&gradeFocus, "focus", "", "aspect the feedback should emphasize")
	f.StringVar(&gradeEssayID, "id", "", "essay id recorded in the report (default: generated)")
	f.StringVar(&gradeFormat, "format", "markdown", "output format: markdown or json")
	f.StringVar(&gradeURL, "url", goutils.Env("ESSAYGRADER_URL", ""), "grade remotely through a gateway WebSocket endpoint")
	f.StringVar(&gradeToken, "token", goutils.Env("ESSAYGRADER_WS_TOKEN", ""), "WebSocket gateway token")
}

func runGrade(cmd *cobra.Command, args []string) error {
	text, err := readEssay(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}
	grade, err := domain.ParseGradeLevel(gradeLevel)
	if err != nil {
		return err
	}
	essayType, err := domain.ParseEssayType(gradeType)
	if err != nil {
		return err
	}
	if gradeFormat != "markdown" && gradeFormat != "json" {
		return fmt.Errorf("unknown format %q (use markdown or json)", gradeFormat)
	}
	req := domain.GradingRequest{
		ID:       gradeEssayID,
		Text:     text,
		Grade:    grade,
		Type:     essayType,
		SchemaID: gradeSchemaID,
		Focus:    gradeFocus,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rep *domain.GradingReport
	if gradeURL != "" {
		rep, err = gradeRemote(ctx, req, cmd.ErrOrStderr())
	} else {
		rep, err = gradeLocal(ctx, req, cmd.ErrOrStderr())
	}
	if err != nil {
		return err
	}
	return writeReport(cmd.OutOrStdout(), rep, gradeFormat)
}

func gradeLocal(ctx context.Context, req domain.GradingRequest, progress io.Writer) (*domain.GradingReport, error) {
	sc, err := setup()
	if err != nil {
		return nil, err
	}
	defer sc.Cleanup()

	return sc.Engine.Stream(ctx, req, func(ev workflow.Event) {
		if !ev.Stage.Terminal() {
			printProgress(progress, ev.Stage, ev.Progress)
		}
	})
}

func gradeRemote(ctx context.Context, req domain.GradingRequest, progress io.Writer) (*domain.GradingReport, error) {
	logger, err := newLogger(logLevel)
	if err != nil {
		return nil, err
	}
	client := ws.NewClient(ws.ClientConfig{URL: gradeURL, Token: gradeToken, DialRetries: 2}, logger)
	return client.Grade(ctx, req, func(p protocol.RunProgress) {
		printProgress(progress, p.Stage, p.Progress)
	})
}

func printProgress(w io.Writer, stage domain.Stage, percent int) {
	fmt.Fprintf(w, "[%3d%%] %s\n", percent, stage)
}

// readEssay picks the essay text from --file, the arguments or stdin.
func readEssay(stdin io.Reader, args []string) (string, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case gradeFile == "-":
		data, err = io.ReadAll(stdin)
	case gradeFile != "":
		data, err = os.ReadFile(gradeFile)
	case len(args) > 0:
		data = []byte(strings.Join(args, " "))
	default:
		data, err = io.ReadAll(stdin)
	}
	if err != nil {
		return "", fmt.Errorf("reading essay: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errors.New("essay text is empty")
	}
	return text, nil
}

func writeReport(w io.Writer, rep *domain.GradingReport, format string) error {
	if format == "json" {
		return printJSON(w, rep)
	}
	_, err := io.WriteString(w, report.Markdown(rep))
	return err
}
