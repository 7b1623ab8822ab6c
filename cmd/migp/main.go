package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"migp/pkg/config"
	"migp/pkg/pipeline"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "", "Optional YAML configuration file")
	subjects := flag.String("subjects", "", "Comma-separated list of 4D NIfTI dataset paths")
	subjectsFile := flag.String("list", "", "Text file with one dataset path per line")
	maskPath := flag.String("mask", "", "3D mask volume shared by all subjects")
	outputPath := flag.String("output", "", "Output NIfTI filename for the group components")
	internalDim := flag.Int("di", 0, "Internal working matrix dimensionality (dPCAint)")
	outputDim := flag.Int("do", 0, "Number of output components (dPCAout)")
	varNorm := flag.Bool("vn", true, "Variance-normalize each subject before folding it in")
	seed := flag.Int64("seed", -1, "Subject order seed; negative for a time-based order")
	lookahead := flag.Int("lookahead", 1, "Number of subjects to load ahead of the fold-in")
	saveIntermediary := flag.Bool("save-intermediary", false, "Save intermediary results during processing")
	intermediaryDir := flag.String("intermediary-dir", "", "Directory to save intermediary results")
	verbose := flag.Bool("verbose", false, "Print per-subject progress")
	flag.Parse()

	// Load configuration, then apply explicitly set flags on top
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "subjects":
			cfg.Input.Subjects = strings.Split(*subjects, ",")
		case "list":
			cfg.Input.SubjectsFile = *subjectsFile
		case "mask":
			cfg.Input.Mask = *maskPath
		case "output":
			cfg.Output.Path = *outputPath
		case "di":
			cfg.PCA.InternalDim = *internalDim
		case "do":
			cfg.PCA.OutputDim = *outputDim
		case "vn":
			cfg.PCA.VarianceNormalize = *varNorm
		case "seed":
			cfg.PCA.Seed = *seed
		case "lookahead":
			cfg.Processing.Lookahead = *lookahead
		case "save-intermediary":
			cfg.Output.SaveIntermediaryResults = *saveIntermediary
		case "intermediary-dir":
			cfg.Output.IntermediaryDir = *intermediaryDir
		case "verbose":
			cfg.Output.Verbose = *verbose
		}
	})

	// Validate inputs before any data is loaded
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}

	subjectPaths, err := cfg.SubjectPaths()
	if err != nil {
		log.Fatalf("Failed to resolve subject list: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("MIGP: INCREMENTAL GROUP PCA OVER 4D fMRI DATASETS")
	fmt.Println("Memory-bounded approximation of a full group-level PCA")
	fmt.Println("================================")
	fmt.Printf("Subjects: %d\n", len(subjectPaths))
	fmt.Printf("Internal dimensionality: %d\n", cfg.PCA.InternalDim)
	fmt.Printf("Output components: %d\n", cfg.PCA.OutputDim)
	fmt.Printf("Variance normalization: %v\n", cfg.PCA.VarianceNormalize)

	params := &pipeline.Params{
		SubjectPaths:            subjectPaths,
		MaskPath:                cfg.Input.Mask,
		OutputPath:              cfg.Output.Path,
		InternalDim:             cfg.PCA.InternalDim,
		OutputDim:               cfg.PCA.OutputDim,
		VarianceNormalize:       cfg.PCA.VarianceNormalize,
		Seed:                    cfg.PCA.Seed,
		Lookahead:               cfg.Processing.Lookahead,
		SaveIntermediaryResults: cfg.Output.SaveIntermediaryResults,
		IntermediaryDir:         cfg.Output.IntermediaryDir,
		Verbose:                 cfg.Output.Verbose,
	}

	// Run the reduction pipeline
	fmt.Println("\nStarting incremental group PCA...")
	run := pipeline.NewPipeline(params)
	if err := run.Process(); err != nil {
		log.Fatalf("Pipeline failed: %v", err)
	}

	stats := run.GetStats()
	fmt.Printf("\nRun completed successfully in %.2f seconds!\n", stats.Elapsed.Seconds())
	fmt.Printf("Output components saved to: %s\n\n", stats.OutputFile)

	fmt.Printf("Run statistics:\n")
	fmt.Printf("===============\n")
	fmt.Printf("Subjects folded in: %d\n", stats.Subjects)
	fmt.Printf("Retained voxels: %d\n", stats.RetainedVoxels)
	fmt.Printf("Total timepoints: %d\n", stats.TotalTimepoints)
	fmt.Printf("Working matrix compressions: %d\n", stats.Compressions)
	fmt.Printf("Final working matrix rows: %d\n", stats.FinalRows)
	fmt.Printf("Output components: %d\n", stats.OutputComponents)

	if cfg.Output.SaveIntermediaryResults {
		fmt.Println("\nIntermediary results saved to:")
		fmt.Printf("%s\n", cfg.Output.IntermediaryDir)
		fmt.Println("The following files were saved:")
		fmt.Println("- working_matrix.npy: final accumulator state")
		fmt.Println("- eigenvalues.npy: retained spectrum of the last compression")
		fmt.Println("- components.npy: the output components in masked space")
	}
}
