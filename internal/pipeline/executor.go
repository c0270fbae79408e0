package pipeline

import (
	"bytes"
	"fmt"
	"io"

	"cloudimages/internal/logging"

	"go.uber.org/zap"
)

// Result is the outcome of a pipeline run. On failure Stage, Command and
// ExitStatus identify the step that stopped it.
type Result struct {
	Success    bool
	Stage      string
	Command    string
	ExitStatus int
	// Executed lists every step that was started, in order
	Executed []string
	Log      string
}

// Run executes the stages in order over one shell. The first command that
// exits non-zero stops the run with an unsuccessful Result and a nil error.
// An error is returned only when the shell itself fails.
//
// Remote output is mirrored to out and collected in Result.Log.
func Run(shell Shell, stages []Stage, out io.Writer) (Result, error) {
	if out == nil {
		out = io.Discard
	}
	var log bytes.Buffer
	w := io.MultiWriter(out, &log)

	result := Result{}
	logging.Logger().Info("starting pipeline", zap.Int("stages_count", len(stages)))

	for stageIndex, stage := range stages {
		logging.Logger().Info("executing pipeline stage",
			zap.Int("stage_index", stageIndex+1),
			zap.String("stage_name", stage.Name),
			zap.Int("steps", len(stage.Steps)))

		for _, step := range stage.Steps {
			result.Executed = append(result.Executed, step.String())

			if step.Upload != nil {
				fmt.Fprintf(w, "$ # %s\n", step)
				if err := shell.Upload(step.Upload.Path, step.Upload.Content, step.Upload.Mode); err != nil {
					result.Stage, result.Command = stage.Name, step.String()
					result.Log = log.String()
					return result, fmt.Errorf("stage '%s': failed to %s: %w", stage.Name, step, err)
				}
				continue
			}

			fmt.Fprintf(w, "$ %s\n", step.Command)
			status, err := shell.Exec(step.Command, w)
			if err != nil {
				result.Stage, result.Command = stage.Name, step.Command
				result.Log = log.String()
				return result, fmt.Errorf("stage '%s': failed to execute '%s': %w", stage.Name, logging.Truncate(step.Command), err)
			}
			if status != 0 {
				fmt.Fprintf(w, "'%s' failed with exit status %d\n", step.Command, status)
				logging.Logger().Warn("pipeline stage failed",
					zap.String("stage_name", stage.Name),
					zap.String("command", logging.Truncate(step.Command)),
					zap.Int("exit_status", status))
				result.Stage, result.Command, result.ExitStatus = stage.Name, step.Command, status
				result.Log = log.String()
				return result, nil
			}
		}

		logging.Logger().Info("stage completed successfully", zap.String("stage_name", stage.Name))
	}

	logging.Logger().Info("all pipeline stages completed successfully")
	result.Success = true
	result.Log = log.String()
	return result, nil
}
