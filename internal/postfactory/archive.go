package postfactory

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	mib = int64(1024 * 1024)
	gib = 1024 * mib
)

// DetectSplitSize picks the archive volume size for a source of totalSize
// bytes.
func DetectSplitSize(totalSize int64) int64 {
	switch {
	case totalSize < 100*mib:
		return 5 * mib
	case totalSize < 1*gib:
		return 15 * mib
	case totalSize < 5*gib:
		return 50 * mib
	case totalSize < 15*gib:
		return 100 * mib
	case totalSize < 25*gib:
		return 200 * mib
	default:
		return 400 * mib
	}
}

// ParseSize reads human sizes like "750K", "15M", "1G", "25G" or a plain
// byte count.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'K':
		mult = 1024
		s = s[:len(s)-1]
	case 'M':
		mult = mib
		s = s[:len(s)-1]
	case 'G':
		mult = gib
		s = s[:len(s)-1]
	case 'T':
		mult = 1024 * gib
		s = s[:len(s)-1]
	case 'B':
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad size %q: %w", s, err)
	}
	return n * mult, nil
}

// archiver shells out to the external rar and par2 binaries.
type archiver struct {
	rarBin  string
	par2Bin string
	// Redundancy is the par2 recovery percentage.
	Redundancy int
}

func newArchiver() (*archiver, error) {
	rar, err := exec.LookPath("rar")
	if err != nil {
		return nil, fmt.Errorf("required binary 'rar' not found in PATH")
	}
	par2, err := exec.LookPath("par2")
	if err != nil {
		return nil, fmt.Errorf("required binary 'par2' not found in PATH")
	}
	return &archiver{rarBin: rar, par2Bin: par2, Redundancy: 10}, nil
}

// Archive packs source into split rar volumes under destDir.
func (ar *archiver) Archive(ctx context.Context, source, destDir string, volumeSize int64) error {
	base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	target := filepath.Join(destDir, base+".rar")

	// -m0 store only: the payload is usually compressed media already
	cmd := exec.CommandContext(ctx, ar.rarBin,
		"a", "-m0", "-ep1", "-idq",
		fmt.Sprintf("-v%db", volumeSize),
		target, source)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("rar failed: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Recovery generates par2 volumes over everything already in destDir.
func (ar *archiver) Recovery(ctx context.Context, destDir string) error {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, filepath.Join(destDir, e.Name()))
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("nothing to protect in %s", destDir)
	}

	args := []string{"create", fmt.Sprintf("-r%d", ar.Redundancy), "-q",
		filepath.Join(destDir, "recovery.par2")}
	args = append(args, files...)

	cmd := exec.CommandContext(ctx, ar.par2Bin, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("par2 failed: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
