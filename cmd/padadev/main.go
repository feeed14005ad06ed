// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// padadev trains a classifier on a labeled source domain adapted to an unlabeled target domain whose
// classes are a subset of the source ones, and estimates its target risk with Deep Embedded Validation.
//
// Usage:
//
//	padadev --dset=office --s_dset_path=data/office/amazon_31_list.txt --t_dset_path=data/office/webcam_10_list.txt
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/padadev/pkg/imagelist"
	"github.com/gomlx/padadev/pkg/network"
	"github.com/gomlx/padadev/pkg/pada"
	"github.com/gomlx/padadev/ui/progress"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagGPU     = flag.String("gpu_id", "0", "Devices made visible to the backend, exported as CUDA_VISIBLE_DEVICES.")
	flagNet     = flag.String("net", "", fmt.Sprintf("Backbone network, one of %q. Defaults to \"cnn\".", network.BackboneNames()))
	flagDataset = flag.String("dset", "office", fmt.Sprintf("Dataset preset, one of %q.", pada.DatasetNames()))
	flagSource  = flag.String("s_dset_path", "data/office/amazon_31_list.txt", "Source image list.")
	flagTarget  = flag.String("t_dset_path", "data/office/webcam_10_list.txt", "Target image list, also used for testing.")

	flagTestInterval     = flag.Int("test_interval", 500, "Iterations between evaluations on the target list.")
	flagNumIterations    = flag.Int("num_iterations", 500, "Number of training iterations.")
	flagSnapshotInterval = flag.Int("snapshot_interval", 5000, "Iterations between snapshots.")
	flagOutputDir        = flag.String("output_dir", "san", "Output directory, under --snapshot_root, for the log and snapshots.")
	flagSnapshotRoot     = flag.String("snapshot_root", "../snapshot", "Root directory of the outputs. A leading \"~\" is expanded.")
	flagSnapshotKeep     = flag.Int("snapshot_keep", 3, "Number of snapshots to keep. -1 keeps all of them.")

	flagBackend = flag.String("backend", "", "Backend configuration, e.g. \"xla:cuda\". Defaults to $GOMLX_BACKEND or the first registered backend.")
	flagSeed    = flag.Int64("seed", 0, "Seed of the random number generators.")
	flagWorkers = flag.Int("workers", 4, "Goroutines prefetching training batches. 0 to read them in the training loop.")
	flagHoldOut = flag.String("holdout", "3", "Source samples per class held out for the risk estimation: a count (\"3\") or a fraction (\"0.1\").")
	flagTenCrop = flag.Bool("test_10crop", true, "Evaluate on the average of 10 crops of each test image.")
	flagQuiet   = flag.Bool("quiet", false, "Disable the progress bar.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	cfg, err := configFromFlags()
	if err != nil {
		klog.Errorf("%v", err)
		klog.Flush()
		os.Exit(1)
	}

	must.M(os.Setenv("CUDA_VISIBLE_DEVICES", *flagGPU))
	if *flagBackend != "" {
		must.M(os.Setenv(backends.ConfigEnvVar, *flagBackend))
	}
	backend := backends.MustNew()
	klog.Infof("backend: %s", backend.Description())

	trainer, err := pada.New(backend, cfg)
	if err != nil {
		klog.Errorf("failed to create trainer: %+v", err)
		klog.Flush()
		if errors.Is(err, pada.ErrConfig) {
			os.Exit(1)
		}
		os.Exit(2)
	}
	defer trainer.Close()
	var bar *progress.Bar
	if !*flagQuiet {
		bar = progress.New(os.Stdout)
		trainer.AddObserver(bar)
	}
	result, err := trainer.Run()
	if err != nil {
		bar.Stop()
		trainer.Close()
		klog.Errorf("training failed: %+v", err)
		klog.Flush()
		os.Exit(2)
	}
	if *flagQuiet {
		fmt.Println(progress.Summary(result))
	}
	fmt.Printf("Log and snapshots in %q\n", cfg.Dir())
}

// configFromFlags builds the configuration of the run. Errors wrap pada.ErrConfig.
func configFromFlags() (*pada.Config, error) {
	cfg, err := pada.NewConfig(*flagDataset, *flagSource, *flagTarget)
	if err != nil {
		return nil, err
	}
	if *flagNet != "" {
		cfg.Net = *flagNet
	}
	cfg.TestInterval = *flagTestInterval
	cfg.NumIterations = *flagNumIterations
	cfg.SnapshotInterval = *flagSnapshotInterval
	cfg.OutputDir = *flagOutputDir
	cfg.SnapshotRoot = *flagSnapshotRoot
	cfg.SnapshotKeep = *flagSnapshotKeep
	cfg.Seed = *flagSeed
	cfg.Workers = *flagWorkers
	cfg.TestTenCrop = *flagTenCrop
	cfg.HoldOut, err = imagelist.ParseHoldOut(*flagHoldOut)
	if err != nil {
		return nil, errors.Wrapf(pada.ErrConfig, "--holdout: %v", err)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
