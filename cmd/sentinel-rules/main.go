// Package main provides a CLI tool for validating threat-signature files.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dbsentinel/internal/detect"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		runValidateCmd(os.Args[2:])
	case "list":
		runListCmd(os.Args[2:])
	case "builtin":
		runBuiltinCmd()
	case "-version", "--version", "-v":
		fmt.Printf("sentinel-rules %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: sentinel-rules <command> [flags] [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  validate  Validate YAML signature files or directories\n")
	fmt.Fprintf(os.Stderr, "  list      List signatures found in files or directories\n")
	fmt.Fprintf(os.Stderr, "  builtin   List the built-in signature set\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fmt.Fprintf(os.Stderr, "  -version  Show version and exit\n")
}

func runValidateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "Show detailed signature information")
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one path is required\n")
		fmt.Fprintf(os.Stderr, "Usage: sentinel-rules validate [--verbose] <path> [<path>...]\n")
		os.Exit(1)
	}

	os.Exit(runValidate(paths, *verbose))
}

func runListCmd(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		paths = []string{"signatures"}
	}

	os.Exit(runList(paths))
}

func runBuiltinCmd() {
	for _, sig := range detect.BuiltinSignatures() {
		printSignatureRow(sig)
	}
	os.Exit(0)
}

func runValidate(paths []string, verbose bool) int {
	var totalFiles, validFiles, invalidFiles int

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			invalidFiles++
			continue
		}

		if info.IsDir() {
			files, err := collectYAMLFiles(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading directory %s: %v\n", path, err)
				invalidFiles++
				continue
			}
			for _, f := range files {
				totalFiles++
				if validateFile(f, verbose) {
					validFiles++
				} else {
					invalidFiles++
				}
			}
		} else {
			totalFiles++
			if validateFile(path, verbose) {
				validFiles++
			} else {
				invalidFiles++
			}
		}
	}

	fmt.Printf("\nResults: %d files checked, %d valid, %d invalid\n", totalFiles, validFiles, invalidFiles)

	if invalidFiles > 0 {
		return 1
	}
	return 0
}

func validateFile(path string, verbose bool) bool {
	signatures, err := detect.LoadSignatureFile(path)
	if err != nil {
		fmt.Printf("  FAIL  %s: %v\n", path, err)
		return false
	}

	fmt.Printf("  OK    %s (%d signature(s))\n", path, len(signatures))

	if verbose {
		for _, sig := range signatures {
			fmt.Printf("        - [%s] %s (severity=%s, confidence=%.2f)\n",
				sig.ID, sig.Category, sig.Severity, sig.Confidence())
			if sig.Description != "" {
				fmt.Printf("          %s\n", sig.Description)
			}
		}
	}

	return true
}

func runList(paths []string) int {
	for _, path := range paths {
		files, err := collectYAMLFiles(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", path, err)
			continue
		}

		for _, f := range files {
			signatures, err := detect.LoadSignatureFile(f)
			if err != nil {
				continue
			}
			for _, sig := range signatures {
				printSignatureRow(sig)
			}
		}
	}
	return 0
}

func printSignatureRow(sig detect.Signature) {
	state := "active"
	if !sig.Active {
		state = "inactive"
	}
	fmt.Printf("%-36s  %-22s  %-8s  %-8s  %s\n",
		sig.ID, sig.Category, sig.Severity, state, truncatePattern(sig.Pattern))
}

func truncatePattern(pattern string) string {
	const max = 48
	if len(pattern) <= max {
		return pattern
	}
	return pattern[:max-3] + "..."
}

func collectYAMLFiles(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{dir}, nil
	}

	var files []string
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
