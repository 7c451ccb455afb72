package content

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func patternBytes(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/253)
	}
	return data
}

func TestSplitAppendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	data := patternBytes(10000)
	src := writeTemp(t, dir, "whole.bin", data)

	whole := FromFile(src)
	wantSum, err := whole.MD5()
	require.NoError(t, err)

	parts, err := whole.Split(3000, 0)
	require.NoError(t, err)
	require.Len(t, parts, 4)

	var offset int64
	for i, p := range parts {
		assert.Equal(t, i+1, p.Part)
		assert.Equal(t, 4, p.TotalParts)
		assert.Equal(t, offset, p.Begin)
		assert.Equal(t, int64(10000), p.TotalSize)
		assert.Same(t, whole, p.Parent())
		offset = p.End
	}
	assert.Equal(t, int64(10000), offset)

	joined := New(dir)
	require.NoError(t, joined.Append(parts...))
	gotSum, err := joined.MD5()
	require.NoError(t, err)
	assert.Equal(t, wantSum, gotSum)

	got, err := joined.Bytes()
	require.NoError(t, err)
	assert.Equal(t, data, got)

	joined.Release()
	releaseAll(parts)
}

func TestSplitRejectsEmptyAndBadSize(t *testing.T) {
	dir := t.TempDir()
	empty := FromFile(writeTemp(t, dir, "empty.bin", nil))
	_, err := empty.Split(100, 0)
	assert.Error(t, err)

	c := FromFile(writeTemp(t, dir, "x.bin", []byte("x")))
	_, err = c.Split(0, 0)
	assert.Error(t, err)
}

func TestSaveMovesBackingFile(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)
	_, err := c.Write([]byte("moved payload"))
	require.NoError(t, err)

	oldPath := c.Path()
	dest := filepath.Join(dir, "final.bin")
	require.NoError(t, c.Save(dest, false))

	assert.NoFileExists(t, oldPath)
	assert.FileExists(t, dest)
	assert.Equal(t, dest, c.Path())
	assert.False(t, c.Attached(), "a saved content no longer owns a temporary")

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("moved payload"), got)
}

func TestSaveCopyKeepsSource(t *testing.T) {
	dir := t.TempDir()
	src := writeTemp(t, dir, "src.bin", []byte("copy me"))
	c := FromFile(src)

	dest := filepath.Join(dir, "copy.bin")
	require.NoError(t, c.Save(dest, true))
	assert.FileExists(t, src)
	assert.FileExists(t, dest)
}

func TestReleaseRemovesAttachedOnly(t *testing.T) {
	dir := t.TempDir()

	attached := New(dir)
	_, err := attached.Write([]byte("temp"))
	require.NoError(t, err)
	tempPath := attached.Path()
	attached.Release()
	assert.NoFileExists(t, tempPath)

	kept := FromFile(writeTemp(t, dir, "keep.bin", []byte("keep")))
	kept.Release()
	assert.FileExists(t, filepath.Join(dir, "keep.bin"))
}

func TestDigests(t *testing.T) {
	dir := t.TempDir()
	c := FromFile(writeTemp(t, dir, "h.bin", []byte("hello world")))

	md5sum, err := c.MD5()
	require.NoError(t, err)
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", md5sum)

	sha1sum, err := c.SHA1()
	require.NoError(t, err)
	assert.Equal(t, "2aae6c35c94fcfb415dbe95f408b9ce91ee846ed", sha1sum)

	crc, err := c.CRC32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0D4A1185), crc)
}

func TestKeyOrdersAcrossFiles(t *testing.T) {
	a := &Content{SortNo: 0, Filename: "a.rar", Part: 2}
	b := &Content{SortNo: 1, Filename: "a.rar", Part: 1}
	assert.Equal(t, "000000000/a.rar/000000002", a.Key())
	assert.Equal(t, "000000001/a.rar/000000001", b.Key())
	assert.True(t, bytes.Compare([]byte(a.Key()), []byte(b.Key())) < 0)
}

func TestKeyOrdersDoubleDigitParts(t *testing.T) {
	keys := make([]string, 0, 12)
	for part := 1; part <= 12; part++ {
		c := &Content{SortNo: 0, Filename: "a.rar", Part: part}
		keys = append(keys, c.Key())
	}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	assert.Equal(t, keys, sorted, "part 10 must not sort before part 2")
}
