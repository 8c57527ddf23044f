package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

func main() {
	profilePath := flag.String("profile", "configs/dev-profile.yaml", "Path to config profile")
	outputDir := flag.String("output-dir", "", "Override output directory")
	flag.Parse()

	profilePathAbs, err := filepath.Abs(*profilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve profile path failed: %v\n", err)
		os.Exit(1)
	}

	profile, err := loadProfile(profilePathAbs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load profile failed: %v\n", err)
		os.Exit(1)
	}
	if *outputDir != "" {
		profile.OutputDir = *outputDir
	}
	if profile.OutputDir == "" {
		fmt.Fprintln(os.Stderr, "output directory is required")
		os.Exit(1)
	}
	profileDir := filepath.Dir(profilePathAbs)
	if !filepath.IsAbs(profile.OutputDir) {
		profile.OutputDir = filepath.Join(profileDir, profile.OutputDir)
	}

	outputs, err := generate(profile, profileDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	for _, out := range outputs {
		if err := writeYAML(out.Path, out.Config); err != nil {
			fmt.Fprintf(os.Stderr, "write config for %q failed: %v\n", out.Service, err)
			os.Exit(1)
		}
		fmt.Printf("%s -> %s\n", out.Service, out.Path)
	}
}
