package runner

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/netintent/netintent/pkg/orchestrator"
)

const (
	inventoryDir  = "inventory"
	inventoryFile = "hosts.yml"
	outputDir     = "output"
	renderedDir   = "rendered"
	docsDir       = "docs"
	evidenceDir   = "evidence"
	summaryFile   = "summary.json"
)

// Workspace is the per-phase directory handed to the engine.
type Workspace struct {
	Dir         string
	IntentPath  string
	OutputDir   string
	RenderDir   string
	DocsDir     string
	EvidenceDir string
	SummaryPath string
}

// intentFileName returns intent.yaml or intent.json.
func intentFileName(format string) string {
	if format == "json" {
		return "intent.json"
	}
	return "intent.yaml"
}

// PrepareWorkspace lays out <root>/<run_id>/<phase>/ from the intent snapshot,
// replacing whatever an earlier attempt left behind. Inputs are written read-only.
func PrepareWorkspace(root string, req orchestrator.ExecutionRequest) (*Workspace, error) {
	if req.Snapshot == nil {
		return nil, fmt.Errorf("intent snapshot is required")
	}
	dir := filepath.Join(root, req.RunID, string(req.Phase))
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to clear workspace: %w", err)
	}

	ws := &Workspace{
		Dir:         dir,
		IntentPath:  filepath.Join(dir, intentFileName(req.Snapshot.IntentFormat)),
		OutputDir:   filepath.Join(dir, outputDir),
		RenderDir:   filepath.Join(dir, outputDir, renderedDir),
		DocsDir:     filepath.Join(dir, outputDir, docsDir),
		EvidenceDir: filepath.Join(dir, outputDir, evidenceDir),
		SummaryPath: filepath.Join(dir, outputDir, summaryFile),
	}

	if err := os.MkdirAll(filepath.Join(dir, inventoryDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	// The container user may differ from ours.
	for _, d := range []string{ws.OutputDir, ws.RenderDir, ws.DocsDir, ws.EvidenceDir} {
		if err := os.MkdirAll(d, 0o777); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
		if err := os.Chmod(d, 0o777); err != nil {
			return nil, fmt.Errorf("failed to open output directory: %w", err)
		}
	}

	if err := os.WriteFile(ws.IntentPath, req.Snapshot.Intent, 0o444); err != nil {
		return nil, fmt.Errorf("failed to write intent: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, inventoryDir, inventoryFile), req.Snapshot.Inventory, 0o444); err != nil {
		return nil, fmt.Errorf("failed to write inventory: %w", err)
	}
	return ws, nil
}

// Remove deletes the workspace directory.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Dir)
}

// EngineArgs builds the engine arguments for a workspace mounted at root.
// Check requests always end with --check --diff.
func EngineArgs(root string, req orchestrator.ExecutionRequest) []string {
	format := ""
	if req.Snapshot != nil {
		format = req.Snapshot.IntentFormat
	}
	args := []string{
		"--mode", string(req.Mode),
		"--scope", req.Scope,
		"--template-set", req.TemplateSet,
		"--intent", filepath.Join(root, intentFileName(format)),
		"--inventory", filepath.Join(root, inventoryDir, inventoryFile),
		"--output", filepath.Join(root, outputDir),
	}
	if len(req.Tags) > 0 {
		args = append(args, "--tags", strings.Join(req.Tags, ","))
	}
	if req.Mode == orchestrator.EngineModeCheck {
		args = append(args, "--check", "--diff")
	}
	return args
}

// EngineEnv builds the engine environment for a workspace mounted at root.
func EngineEnv(root string, req orchestrator.ExecutionRequest) map[string]string {
	return map[string]string{
		"NETINTENT_RUN_ID":       req.RunID,
		"NETINTENT_PHASE":        string(req.Phase),
		"NETINTENT_RUN_MODE":     string(req.Mode),
		"NETINTENT_SCOPE":        req.Scope,
		"NETINTENT_TEMPLATE_SET": req.TemplateSet,
		"NETINTENT_RENDER_DIR":   filepath.Join(root, outputDir, renderedDir),
		"NETINTENT_DOCS_DIR":     filepath.Join(root, outputDir, docsDir),
		"NETINTENT_EVIDENCE_DIR": filepath.Join(root, outputDir, evidenceDir),
	}
}

// ReadSummary parses output/summary.json. A missing file yields nil.
func (w *Workspace) ReadSummary() (*orchestrator.ChangeSummary, error) {
	data, err := os.ReadFile(w.SummaryPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read summary: %w", err)
	}
	var summary orchestrator.ChangeSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to parse summary: %w", err)
	}
	return &summary, nil
}

// ArchiveOutputs packs output/ (rendered, docs and evidence, without the
// summary) into a tar spooled under spoolDir, or the system temp dir when
// spoolDir is empty. It returns "" when the engine wrote no files. The caller
// owns the returned file.
func (w *Workspace) ArchiveOutputs(spoolDir string) (string, error) {
	f, err := os.CreateTemp(spoolDir, "netintent-rendered-*.tar")
	if err != nil {
		return "", fmt.Errorf("failed to create archive spool: %w", err)
	}
	files, err := archiveDir(f, w.OutputDir, summaryFile)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil || files == 0 {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// archiveDir writes the tree under root to dst as a tar, skipping the given
// root-relative paths. Entries are sorted, owned by 0:0 and carry the epoch as
// mtime. It returns the number of files and symlinks archived.
func archiveDir(dst io.Writer, root string, skip ...string) (int, error) {
	tw := tar.NewWriter(dst)
	files := 0
	epoch := time.Unix(0, 0).UTC()

	// WalkDir visits entries in lexical order.
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return fs.SkipAll
			}
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if slices.Contains(skip, filepath.ToSlash(rel)) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		hdr := &tar.Header{
			Name:    filepath.ToSlash(rel),
			ModTime: epoch,
			Format:  tar.FormatUSTAR,
		}
		switch {
		case d.IsDir():
			hdr.Typeflag = tar.TypeDir
			hdr.Name += "/"
			hdr.Mode = 0o755
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = target
			hdr.Mode = 0o777
		case d.Type().IsRegular():
			hdr.Typeflag = tar.TypeReg
			hdr.Size = info.Size()
			hdr.Mode = 0o644
			if info.Mode()&0o111 != 0 {
				hdr.Mode = 0o755
			}
		default:
			return nil
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write header for %s: %w", rel, err)
		}
		if hdr.Typeflag == tar.TypeDir {
			return nil
		}
		files++
		if hdr.Typeflag != tar.TypeReg {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.CopyN(tw, f, hdr.Size); err != nil {
			return fmt.Errorf("failed to archive %s: %w", rel, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := tw.Close(); err != nil {
		return 0, err
	}
	return files, nil
}
