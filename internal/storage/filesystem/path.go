package filesystem

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// maxStatePathLength 状态文件路径上限，Windows 下需低于 MAX_PATH
func maxStatePathLength() int {
	if runtime.GOOS == "windows" {
		return 240
	}
	return 1024
}

// resolveStatePath 校验并返回状态文件的绝对路径
func resolveStatePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("path must not be empty")
	}
	if strings.ContainsRune(path, '\x00') {
		return "", fmt.Errorf("path contains NUL byte")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return "", fmt.Errorf("path traversal detected: %s", path)
		}
	}
	if strings.HasSuffix(path, string(filepath.Separator)) || strings.HasSuffix(path, "/") {
		return "", fmt.Errorf("path must name a file: %s", path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if len(abs) > maxStatePathLength() {
		return "", fmt.Errorf("path too long: %d characters", len(abs))
	}
	return filepath.Clean(abs), nil
}
