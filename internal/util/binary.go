// Package util provides shared utility functions.
package util

import (
	"fmt"
	"os"
	"os/exec"
)

// FFmpegEnvVar overrides ffmpeg discovery for deployments that ship
// their own build.
const FFmpegEnvVar = "TABTUNER_FFMPEG_BINARY"

// FFmpegBinary resolves the ffmpeg executable to spawn. An explicit
// configured path wins; otherwise discovery runs through FindBinary.
func FFmpegBinary(configured string) (string, error) {
	if configured != "" {
		if !isExecutable(configured) {
			return "", fmt.Errorf("configured ffmpeg path %s is not executable", configured)
		}
		return configured, nil
	}
	return FindBinary("ffmpeg", FFmpegEnvVar)
}

// FindBinary searches for an executable by name: the override
// environment variable first, then ./name for development trees, then
// PATH. Every candidate is verified to exist and carry an executable
// bit.
func FindBinary(name string, envVar string) (string, error) {
	if envVar != "" {
		if envPath := os.Getenv(envVar); envPath != "" {
			if isExecutable(envPath) {
				return envPath, nil
			}
		}
	}

	localPath := "./" + name
	if isExecutable(localPath) {
		return localPath, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("binary %s not found", name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
