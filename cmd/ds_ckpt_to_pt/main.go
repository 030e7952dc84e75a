// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// ds_ckpt_to_pt converts a DeepSpeed checkpoint directory into a single state dict file.
//
// It first tries to merge the ZeRO shards of the checkpoint into full FP32 tensors. If that fails,
// it falls back to the largest pytorch_model.bin or *.pt file found in the directory.
//
// Example:
//
//	ds_ckpt_to_pt --ds_dir=runs/exp1/checkpoints --out_pt=exports/encoder.pt --encoder_only --assert_gaatn
//
// Flags not given in the command line are read from ZEROCKPT_<FLAG> environment variables
// (e.g. ZEROCKPT_DS_DIR) or from the file given by --config.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/zerockpt/internal/metrics"
	"github.com/gomlx/zerockpt/pkg/consolidate"
	"github.com/gomlx/zerockpt/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const programName = "ds_ckpt_to_pt"

type cliFlags struct {
	dsDir         string
	outPT         string
	tag           string
	encoderOnly   bool
	assertGAATN   bool
	excludeFrozen bool
	format        string
	manifest      string
	metricsFile   string
	progress      bool
	summary       bool
	vars          bool
	noColor       bool
	config        string
}

func newFlagSet(stderr io.Writer) (*flag.FlagSet, *cliFlags) {
	fs := flag.NewFlagSet(programName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	f := &cliFlags{}
	fs.StringVar(&f.dsDir, "ds_dir", "", "DeepSpeed checkpoint directory (required).")
	fs.StringVar(&f.outPT, "out_pt", "", "Output file (required). Its parent directory is created if needed.")
	fs.StringVar(&f.tag, "tag", "", "Tag (sub-directory) of the ZeRO checkpoint to merge. "+
		"If empty, it is read from the 'latest' file.")
	fs.BoolVar(&f.encoderOnly, "encoder_only", false, "Keep only the 'encoder.' parameters, with the prefix stripped.")
	fs.BoolVar(&f.assertGAATN, "assert_gaatn", false, "Fail if no parameter name mentions GAATN.")
	fs.BoolVar(&f.excludeFrozen, "exclude_frozen", false, "Skip frozen parameters when merging the ZeRO shards.")
	fs.StringVar(&f.format, "format", string(consolidate.FormatAuto), fmt.Sprintf(
		"Output format, one of %q. 'auto' selects it from the --out_pt extension.", consolidate.Formats))
	fs.StringVar(&f.manifest, "manifest", "", "If set, write an Apache Arrow manifest of the tensors written to this path.")
	fs.StringVar(&f.metricsFile, "metrics_file", "", "If set, write Prometheus metrics of the run to this path, in text format.")
	fs.BoolVar(&f.progress, "progress", false, "Display a progress bar while merging the ZeRO shards.")
	fs.BoolVar(&f.summary, "summary", false, "Display a summary of the conversion.")
	fs.BoolVar(&f.vars, "vars", false, "List the tensors written.")
	fs.BoolVar(&f.noColor, "no_color", false, "Disable colors in the output. Also disabled if NO_COLOR is set.")
	fs.StringVar(&f.config, "config", "", "Configuration file (YAML, TOML or JSON) with default values for the flags.")
	klog.InitFlags(fs)
	return fs, f
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			klog.Errorf("%v", err)
		}
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

// run the conversion with the given command-line arguments (without the program name).
func run(args []string, stdout, stderr io.Writer) error {
	fs, f := newFlagSet(stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return errors.Errorf("unexpected arguments %q, see '%s -help'", fs.Args(), programName)
	}
	if err := applyConfig(fs, f.config); err != nil {
		return err
	}
	if f.dsDir == "" {
		return errors.Errorf("missing --ds_dir, see '%s -help'", programName)
	}
	if f.outPT == "" {
		return errors.Errorf("missing --out_pt, see '%s -help'", programName)
	}
	format, err := consolidate.ParseFormat(f.format)
	if err != nil {
		return err
	}
	noColor := f.noColor || os.Getenv("NO_COLOR") != ""
	if noColor {
		commandline.DisableColors()
	}

	opts := consolidate.Options{
		Dir:           f.dsDir,
		OutPath:       f.outPT,
		Tag:           f.tag,
		EncoderOnly:   f.encoderOnly,
		AssertGAATN:   f.assertGAATN,
		ExcludeFrozen: f.excludeFrozen,
		Format:        format,
		ManifestPath:  f.manifest,
	}
	if f.progress {
		opts.Progress = commandline.NewProgressBar(stderr, "Merging", noColor)
	}
	if f.metricsFile != "" {
		opts.Metrics = metrics.New()
	}

	result, err := consolidate.Run(opts)
	if opts.Metrics != nil {
		if metricsErr := opts.Metrics.WriteTextfile(f.metricsFile); metricsErr != nil {
			if err == nil {
				return metricsErr
			}
			klog.Warningf("%v", metricsErr)
		}
	}
	if err != nil {
		return err
	}
	klog.V(1).Infof("wrote %s tensors (%s) to %q in %s", humanize.Comma(int64(result.StateDict.Len())),
		humanize.Bytes(uint64(result.OutBytes)), result.OutPath, commandline.FormatDuration(result.Duration))

	if f.summary {
		commandline.PrintSummary(stdout, f.dsDir, result)
	}
	if f.vars {
		commandline.PrintVars(stdout, result.StateDict)
	}
	_, _ = fmt.Fprintf(stdout, "[OK] wrote %s\n", result.OutPath)
	return nil
}
