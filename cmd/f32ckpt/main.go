// Command f32ckpt rewrites a checkpoint with every parameter tensor cast to
// float32, then reloads the result to check it.
//
// Usage:
//
//	f32ckpt [-input /models/model.born] [-output model_float32.born] [flags]
//
// The exit code is 0 whether the conversion succeeds or not: the outcome is
// the last line printed, prefixed with "OK:" or "FAILED:".
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/born-ml/f32ckpt/internal/model"
	"github.com/born-ml/f32ckpt/internal/normalize"
)

const version = "v0.3.0"

var (
	defaults = normalize.DefaultConfig()

	flagInput  = flag.String("input", defaults.InputPath, "Checkpoint to normalize: .born, .safetensors or Keras .h5.")
	flagOutput = flag.String("output", defaults.OutputPath,
		"Where to write the float32 checkpoint. A .safetensors extension selects SafeTensors, anything else .born.")
	flagCompile   = flag.Bool("compile", defaults.Compile, "Attach the training configuration to the output.")
	flagOptimizer = flag.String("optimizer", defaults.Training.Optimizer, "Optimizer name recorded by -compile.")
	flagLoss      = flag.String("loss", defaults.Training.Loss, "Loss name recorded by -compile.")
	flagMetrics   = flag.String("metrics", strings.Join(defaults.Training.Metrics, ","),
		"Comma-separated metric names recorded by -compile.")
	flagProgress = flag.Bool("progress", false, "Show a progress bar while casting.")
	flagNext     = flag.String("next", "",
		"Follow-up command printed on success; {output} is replaced by the output path. "+
			"Empty prints a note naming the output format instead.")
	flagVersion = flag.Bool("version", false, "Print the version and exit.")
)

var (
	okStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	failedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if *flagVersion {
		fmt.Printf("f32ckpt %s\n", version)
		return
	}
	if flag.NArg() > 0 {
		klog.Warningf("Ignoring extra arguments %q. See 'f32ckpt -help'.", flag.Args())
	}

	cfg := normalize.DefaultConfig()
	cfg.InputPath = *flagInput
	cfg.OutputPath = *flagOutput
	cfg.Compile = *flagCompile
	cfg.Training.Optimizer = *flagOptimizer
	cfg.Training.Loss = *flagLoss
	cfg.Training.Metrics = splitList(*flagMetrics)
	cfg.Progress = *flagProgress
	run(cfg, *flagNext, os.Stdout)
}

// run executes one conversion and reports it on w. It returns whether it succeeded.
func run(cfg normalize.Config, next string, w io.Writer) bool {
	cfg.Out = w
	result, err := normalize.New(cfg).Run()
	if err != nil {
		_, _ = fmt.Fprintln(w, failedStyle.Render("FAILED:"), failureMessage(err))
		return false
	}
	_, _ = fmt.Fprintf(w, "\n%s %s: %d layers, %s tensors cast, %s parameters in %s\n",
		okStyle.Render("OK:"), result.OutputPath, result.Layers,
		humanize.Comma(int64(result.CastTensors)), humanize.Comma(int64(result.Parameters)),
		result.Duration.Round(time.Millisecond))
	_, _ = fmt.Fprintln(w, followUp(next, result.OutputPath))
	return true
}

// followUp is the line printed after a successful conversion. Without an
// explicit command it only names the output format: Keras converters such as
// tensorflowjs_converter read .h5 files, which f32ckpt does not write.
func followUp(next, output string) string {
	if next != "" {
		return fmt.Sprintf("Next, convert it with:\n  %s", strings.ReplaceAll(next, "{output}", output))
	}
	format := model.FormatForPath(output)
	if format == model.FormatUnknown {
		format = model.FormatBorn
	}
	return fmt.Sprintf("%s is a %s checkpoint, not Keras HDF5; use -next to print the command that consumes it.",
		output, format)
}

func failureMessage(err error) string {
	var stageErr *normalize.StageError
	if errors.As(err, &stageErr) {
		return fmt.Sprintf("[%s] %v", stageErr.Stage, stageErr.Err)
	}
	return err.Error()
}

func splitList(s string) []string {
	var parts []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
