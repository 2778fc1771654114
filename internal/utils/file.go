package utils

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
)

var imageExts = []string{"jpg", "jpeg", "png", "gif", "bmp", "tiff", "webp"}

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// GetFileExtension returns the file extension without the dot
func GetFileExtension(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 0 {
		return strings.ToLower(ext[1:])
	}
	return ""
}

// IsImageFile checks if a file has an image extension
func IsImageFile(filename string) bool {
	return slices.Contains(imageExts, GetFileExtension(filename))
}

// BaseName returns the file name of a path or URL without its extension,
// made safe for use in output file names
func BaseName(source string) string {
	var name string
	if u, err := url.Parse(source); err == nil && u.Scheme != "" && u.Host != "" {
		name = path.Base(u.Path)
		name = strings.TrimSuffix(name, path.Ext(name))
		if name == "/" || name == "." || name == "" {
			name = u.Host
		}
	} else {
		name = filepath.Base(source)
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	if name = SanitizeFilename(name); name == "" {
		name = "image"
	}
	return name
}

// TileFilename returns the file name for tile (row, col) of the image named base
func TileFilename(prefix, base string, row, col int, format string) string {
	if format == "" {
		format = "jpg"
	}
	return fmt.Sprintf("%s%s_r%03d_c%03d.%s", prefix, base, row, col, format)
}

// ListImageFiles recursively lists all image files in a directory in lexical order
func ListImageFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && IsImageFile(path) {
			files = append(files, path)
		}
		return nil
	})

	return files, err
}

// FileExists checks if a file exists and is not a directory
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// DirExists checks if a directory exists
func DirExists(dirname string) bool {
	info, err := os.Stat(dirname)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// SanitizeFilename removes or replaces invalid characters in filenames
func SanitizeFilename(filename string) string {
	invalid := []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|", " "}
	result := filename
	for _, char := range invalid {
		result = strings.ReplaceAll(result, char, "_")
	}
	return strings.Trim(result, "_.")
}
