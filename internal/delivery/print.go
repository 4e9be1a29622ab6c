package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Printer copies documents into a spool directory and optionally hands them
// to a print command such as "lp -d frontdesk".
type Printer struct {
	spoolDir string
	command  []string
}

func NewPrinter(spoolDir, command string) *Printer {
	if spoolDir == "" {
		spoolDir = "./spool"
	}
	return &Printer{spoolDir: spoolDir, command: strings.Fields(command)}
}

// Print spools path and returns the spooled copy's path.
func (p *Printer) Print(ctx context.Context, path string) (string, error) {
	if err := os.MkdirAll(p.spoolDir, 0o755); err != nil {
		return "", fmt.Errorf("create spool dir: %w", err)
	}
	dst := filepath.Join(p.spoolDir, filepath.Base(path))
	if err := copyFile(path, dst); err != nil {
		return "", fmt.Errorf("spool document: %w", err)
	}
	if len(p.command) == 0 {
		return dst, nil
	}

	args := append(append([]string{}, p.command[1:]...), dst)
	cmd := exec.CommandContext(ctx, p.command[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("print command %s: %w: %s", p.command[0], err, strings.TrimSpace(stderr.String()))
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
