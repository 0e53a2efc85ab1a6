//go:build ignore

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

func main() {
	outputDir := "bin"

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		fmt.Printf("Error creating output directory: %v\n", err)
		os.Exit(1)
	}

	commands := []struct {
		name   string
		path   string
		output string
	}{
		{"tvcard", "./cmd/tvcard", "tvcard"},
		{"tvctl", "./cmd/tvctl", "tvctl"},
		{"simulator", "./cmd/simulator", "simulator"},
	}

	// version metadata for prometheus/common/version
	ldflags := fmt.Sprintf("-X github.com/prometheus/common/version.Version=%s -X github.com/prometheus/common/version.Revision=%s",
		envOr("VERSION", "dev"), envOr("REVISION", "unknown"))

	for _, cmd := range commands {
		outputPath := filepath.Join(outputDir, cmd.output)

		fmt.Printf("Building %s -> %s\n", cmd.name, outputPath)

		build := exec.Command("go", "build", "-ldflags", ldflags, "-o", outputPath, cmd.path)
		build.Stdout = os.Stdout
		build.Stderr = os.Stderr

		if err := build.Run(); err != nil {
			fmt.Printf("Error building %s: %v\n", cmd.name, err)
			os.Exit(1)
		}

		fmt.Printf("Successfully built %s\n", cmd.name)
	}

	fmt.Println("All builds completed successfully!")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
