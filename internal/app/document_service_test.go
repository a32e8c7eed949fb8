package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDocFixture(t *testing.T, maxMB int) (*DocumentService, *ragFixture, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "knowledge_base")
	f := newRAGFixture(RAGConfig{ChunkSize: 600})
	return NewDocumentService(dir, maxMB, f.svc), f, dir
}

func TestDocuments_UploadIngests(t *testing.T) {
	ctx := context.Background()
	docs, f, dir := newDocFixture(t, 10)
	f.extractor.set(filepath.Join(dir, "leave.pdf"), words(700))

	res, err := docs.Upload(ctx, "../../etc/leave.pdf", strings.NewReader("%PDF-1.4 fake"))
	require.NoError(t, err)
	assert.Equal(t, &IngestResult{Status: StatusAdded, Source: "leave.pdf", ChunkCount: 2}, res)

	data, err := os.ReadFile(filepath.Join(dir, "leave.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 fake", string(data))

	again, err := docs.Upload(ctx, "leave.pdf", strings.NewReader("%PDF-1.4 changed"))
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, again.Status)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDocuments_UploadValidation(t *testing.T) {
	ctx := context.Background()
	docs, _, _ := newDocFixture(t, 1)

	_, err := docs.Upload(ctx, "notes.txt", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrNotPDF)

	_, err = docs.Upload(ctx, ".hidden.pdf", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = docs.Upload(ctx, "empty.pdf", strings.NewReader(""))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = docs.Upload(ctx, "big.pdf", strings.NewReader(strings.Repeat("x", 1<<20+1)))
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestDocuments_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	docs, f, dir := newDocFixture(t, 10)
	f.extractor.set(filepath.Join(dir, "a.pdf"), words(100))
	f.extractor.set(filepath.Join(dir, "gone.pdf"), words(100))

	_, err := docs.Upload(ctx, "a.pdf", strings.NewReader("a"))
	require.NoError(t, err)
	_, err = docs.Upload(ctx, "gone.pdf", strings.NewReader("g"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pending.pdf"), []byte("p"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(dir, "gone.pdf")))

	list, err := docs.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a.pdf", list[0].Name)
	assert.True(t, list[0].Indexed)
	assert.Equal(t, 1, list[0].ChunkCount)
	assert.Equal(t, "gone.pdf", list[1].Name)
	assert.True(t, list[1].Orphaned)
	assert.Equal(t, "pending.pdf", list[2].Name)
	assert.False(t, list[2].Indexed)

	res, err := docs.Delete(ctx, "gone.pdf")
	require.NoError(t, err)
	assert.Equal(t, StatusRemoved, res.Status)

	res, err = docs.Delete(ctx, "pending.pdf")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, res.Status)

	_, err = docs.Delete(ctx, "never.pdf")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	list, err = docs.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a.pdf", list[0].Name)
}

func TestDocuments_Reindex(t *testing.T) {
	ctx := context.Background()
	docs, f, dir := newDocFixture(t, 10)
	path := filepath.Join(dir, "a.pdf")
	f.extractor.set(path, words(100))

	_, err := docs.Upload(ctx, "a.pdf", strings.NewReader("a"))
	require.NoError(t, err)

	f.extractor.set(path, words(1300))
	res, err := docs.Reindex(ctx, "a.pdf")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ChunkCount)

	_, err = docs.Reindex(ctx, "missing.pdf")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestDocuments_DeleteKeepsFileWhenChunksRemain(t *testing.T) {
	ctx := context.Background()
	docs, f, dir := newDocFixture(t, 10)
	path := filepath.Join(dir, "a.pdf")
	f.extractor.set(path, words(100))

	_, err := docs.Upload(ctx, "a.pdf", strings.NewReader("a"))
	require.NoError(t, err)

	f.store.deleteErr = errors.New("database is locked")
	_, err = docs.Delete(ctx, "a.pdf")
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
	exists, err := f.store.Exists(ctx, "a.pdf")
	require.NoError(t, err)
	assert.True(t, exists)

	f.store.deleteErr = nil
	res, err := docs.Delete(ctx, "a.pdf")
	require.NoError(t, err)
	assert.Equal(t, StatusRemoved, res.Status)
	_, statErr = os.Stat(path)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestDocuments_DeleteAfterCompactionFailure(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "knowledge_base")
	f := newRAGFixture(RAGConfig{CompactOnRemove: true})
	docs := NewDocumentService(dir, 10, f.svc)
	path := filepath.Join(dir, "a.pdf")
	f.extractor.set(path, words(10))

	_, err := docs.Upload(ctx, "a.pdf", strings.NewReader("a"))
	require.NoError(t, err)
	f.store.compactErr = errors.New("disk full")

	res, err := docs.Delete(ctx, "a.pdf")
	assert.ErrorIs(t, err, ErrCompaction)
	require.NotNil(t, res)
	assert.Equal(t, StatusRemoved, res.Status)
	_, statErr := os.Stat(path)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}
