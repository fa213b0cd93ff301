package inference

import (
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
)

// ErrUnsupportedPlatform is returned when no onnxruntime build is known for the platform.
var ErrUnsupportedPlatform = errors.New("no onnxruntime library for this platform")

// GetSharedLibPath returns the path of the onnxruntime shared library for the current
// platform inside dir.
//
// Arguments:
//   - dir: The directory holding the onnxruntime builds, e.g. ./third_party.
//
// Returns:
//   - string: The path to the shared library.
//   - error: ErrUnsupportedPlatform if the platform has no known build.
func GetSharedLibPath(dir string) (string, error) {
	name, err := sharedLibName(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func sharedLibName(goos, goarch string) (string, error) {
	switch goos {
	case "windows":
		if goarch == "amd64" {
			return "onnxruntime.dll", nil
		}
	case "darwin":
		if goarch == "arm64" || goarch == "amd64" {
			return "libonnxruntime.1.21.0.dylib", nil
		}
	case "linux":
		if goarch == "arm64" {
			return "onnxruntime_arm64.so", nil
		}
		if goarch == "amd64" {
			return "onnxruntime.so", nil
		}
	}
	return "", errors.Wrapf(ErrUnsupportedPlatform, "%s/%s", goos, goarch)
}
