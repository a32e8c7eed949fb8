package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"echopal/internal/vectorstore"
)

var (
	ErrNotPDF           = errors.New("only .pdf files are accepted")
	ErrFileTooLarge     = errors.New("file exceeds upload limit")
	ErrDocumentNotFound = errors.New("document not found")
)

// Indexer is the part of RAGService the document admin drives.
type Indexer interface {
	Ingest(ctx context.Context, path string) (*IngestResult, error)
	Remove(ctx context.Context, source string) (*RemoveResult, error)
	Reindex(ctx context.Context, path string) (*IngestResult, error)
	Sources(ctx context.Context) ([]vectorstore.SourceStat, error)
}

// Document describes one policy file. Orphaned is set for indexed sources
// whose file is gone from the upload dir.
type Document struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size_bytes"`
	ModTime    time.Time `json:"mod_time"`
	Indexed    bool      `json:"indexed"`
	ChunkCount int       `json:"chunk_count"`
	Orphaned   bool      `json:"orphaned,omitempty"`
}

// DocumentService manages the upload directory and keeps the index in
// step with it.
type DocumentService struct {
	uploadDir string
	maxBytes  int64
	indexer   Indexer
}

func NewDocumentService(uploadDir string, maxUploadMB int, indexer Indexer) *DocumentService {
	if maxUploadMB <= 0 {
		maxUploadMB = 10
	}
	return &DocumentService{
		uploadDir: uploadDir,
		maxBytes:  int64(maxUploadMB) << 20,
		indexer:   indexer,
	}
}

func (s *DocumentService) UploadDir() string {
	return s.uploadDir
}

// Upload stores the file under its base name and ingests it. Re-uploading
// an indexed name overwrites the file but does not re-embed it; use Reindex
// for that.
func (s *DocumentService) Upload(ctx context.Context, filename string, r io.Reader) (*IngestResult, error) {
	name, err := cleanDocumentName(filename)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir failed: %w", err)
	}

	tmp, err := os.CreateTemp(s.uploadDir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file failed: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	n, err := io.Copy(tmp, io.LimitReader(r, s.maxBytes+1))
	closeErr := tmp.Close()
	if err != nil {
		return nil, fmt.Errorf("write upload failed: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("write upload failed: %w", closeErr)
	}
	if n > s.maxBytes {
		return nil, fmt.Errorf("%w: %d MB", ErrFileTooLarge, s.maxBytes>>20)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrInvalidInput)
	}

	path := filepath.Join(s.uploadDir, name)
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("store upload failed: %w", err)
	}
	return s.indexer.Ingest(ctx, path)
}

// List merges the files on disk with the sources in the index.
func (s *DocumentService) List(ctx context.Context) ([]Document, error) {
	stats, err := s.indexer.Sources(ctx)
	if err != nil {
		return nil, err
	}
	indexed := make(map[string]int, len(stats))
	for _, st := range stats {
		indexed[st.Source] = st.ChunkCount
	}

	entries, err := os.ReadDir(s.uploadDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read upload dir failed: %w", err)
	}

	docs := make([]Document, 0, len(entries)+len(stats))
	onDisk := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isPDF(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		count, ok := indexed[e.Name()]
		onDisk[e.Name()] = true
		docs = append(docs, Document{
			Name:       e.Name(),
			SizeBytes:  info.Size(),
			ModTime:    info.ModTime(),
			Indexed:    ok,
			ChunkCount: count,
		})
	}
	for _, st := range stats {
		if onDisk[st.Source] {
			continue
		}
		docs = append(docs, Document{
			Name:       st.Source,
			Indexed:    true,
			ChunkCount: st.ChunkCount,
			Orphaned:   true,
		})
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return docs, nil
}

// Delete removes the chunks of a document, then its file. The file is kept
// when the chunks could not be deleted. Deleting a name that is neither on
// disk nor indexed is ErrDocumentNotFound.
func (s *DocumentService) Delete(ctx context.Context, name string) (*RemoveResult, error) {
	name, err := cleanDocumentName(name)
	if err != nil {
		return nil, err
	}

	res, removeErr := s.indexer.Remove(ctx, name)
	if removeErr != nil && !errors.Is(removeErr, ErrCompaction) {
		return nil, removeErr
	}

	if err := os.Remove(filepath.Join(s.uploadDir, name)); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return res, fmt.Errorf("delete file failed: %w", err)
		}
		if res != nil && res.Status == StatusNotFound {
			return nil, ErrDocumentNotFound
		}
	}
	return res, removeErr
}

// Reindex drops the chunks of an uploaded document and ingests it again.
func (s *DocumentService) Reindex(ctx context.Context, name string) (*IngestResult, error) {
	name, err := cleanDocumentName(name)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(s.uploadDir, name)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("stat document failed: %w", err)
	}
	return s.indexer.Reindex(ctx, path)
}

func cleanDocumentName(filename string) (string, error) {
	name := filepath.Base(strings.TrimSpace(strings.ReplaceAll(filename, "\\", "/")))
	if name == "." || name == "/" || name == "" || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: bad file name %q", ErrInvalidInput, filename)
	}
	if !isPDF(name) {
		return "", ErrNotPDF
	}
	return name, nil
}

func isPDF(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}
