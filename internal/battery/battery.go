// Package battery reads the charge level from the Linux power supply class.
package battery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultRoot is where the kernel exposes power supplies.
const DefaultRoot = "/sys/class/power_supply"

// ErrNoBattery is returned when no power supply of type Battery exists.
var ErrNoBattery = errors.New("no battery found")

// Reader reads the capacity of the first battery under Root.
type Reader struct {
	Root string
}

// NewReader returns a reader for DefaultRoot.
func NewReader() *Reader {
	return &Reader{Root: DefaultRoot}
}

// Percentage returns the battery level in percent, clamped to 0..100.
func (r *Reader) Percentage(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	root := r.Root
	if root == "" {
		root = DefaultRoot
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return -1, fmt.Errorf("read power supplies: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		dir := filepath.Join(root, name)
		kind, err := readValue(filepath.Join(dir, "type"))
		if err != nil || kind != "Battery" {
			continue
		}
		raw, err := readValue(filepath.Join(dir, "capacity"))
		if err != nil {
			return -1, fmt.Errorf("read %s capacity: %w", name, err)
		}
		pct, err := strconv.Atoi(raw)
		if err != nil {
			return -1, fmt.Errorf("parse %s capacity %q: %w", name, raw, err)
		}
		return min(max(pct, 0), 100), nil
	}
	return -1, ErrNoBattery
}

func readValue(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
