// DotRAG - Retrieval-augmented conversational assistant
// License: MIT
//
// Copyright (c) 2026 DotRAG contributors

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const appName = "dotrag"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// formatBuildInfo returns build time and go version info
func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

func versionText() string {
	out := fmt.Sprintf("%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		out += fmt.Sprintf("  Build: %s\n", build)
	}
	if goVer != "" {
		out += fmt.Sprintf("  Go: %s\n", goVer)
	}
	return out
}

// defaultConfigPath honours DOTRAG_CONFIG, then ~/.dotrag/config.yaml.
func defaultConfigPath() string {
	if p := os.Getenv("DOTRAG_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".dotrag", "config.yaml")
	}
	return filepath.Join(home, ".dotrag", "config.yaml")
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
