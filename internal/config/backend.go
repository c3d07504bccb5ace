package config

import (
	"fmt"
	"strings"
)

const (
	BackendPiperCLI = "piper-cli"
	BackendSherpa   = "sherpa"
)

func NormalizeBackend(raw string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(raw))
	if backend == "" {
		backend = BackendPiperCLI
	}
	switch backend {
	case BackendPiperCLI, BackendSherpa:
		return backend, nil
	case "piper", "cli":
		return BackendPiperCLI, nil
	case "sherpa-onnx", "onnx":
		return BackendSherpa, nil
	default:
		return "", fmt.Errorf(
			"invalid backend %q (expected %s|%s)",
			raw,
			BackendPiperCLI,
			BackendSherpa,
		)
	}
}
