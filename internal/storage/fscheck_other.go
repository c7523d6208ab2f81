//go:build !linux

package storage

import "fmt"

func detectFilesystemType(string) (string, error) {
	return "", fmt.Errorf("filesystem detection is only implemented on linux")
}
