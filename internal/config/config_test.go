package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdstored/internal/catalogue"
)

func writeExecutable(path string) error {
	return os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755)
}

func mkdir(path string) error {
	return os.Mkdir(path, 0o755)
}

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}

func TestParseBudgetFileValid(t *testing.T) {
	src := "nop 4\n# a comment\n\nbcompress 2\n"
	budgets, err := ParseBudgetFile(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"nop": 4, "bcompress": 2}, budgets)
}

func TestParseBudgetFileRejectsMalformedLine(t *testing.T) {
	_, err := ParseBudgetFile(strings.NewReader("nop\n"))
	assert.Error(t, err)
}

func TestParseBudgetFileRejectsNonPositive(t *testing.T) {
	_, err := ParseBudgetFile(strings.NewReader("nop 0\n"))
	assert.Error(t, err)
}

func TestParseBudgetFileRejectsDuplicate(t *testing.T) {
	_, err := ParseBudgetFile(strings.NewReader("nop 1\nnop 2\n"))
	assert.Error(t, err)
}

func TestResolveExecutableFindsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nop")
	require.NoError(t, writeExecutable(path))

	resolve := ResolveExecutable(dir)
	got, err := resolve(catalogue.Nop)
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestResolveExecutableMissing(t *testing.T) {
	resolve := ResolveExecutable(t.TempDir())
	_, err := resolve(catalogue.Nop)
	assert.Error(t, err)
}

func TestResolveExecutableRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nop")
	require.NoError(t, mkdir(sub))

	resolve := ResolveExecutable(dir)
	_, err := resolve(catalogue.Nop)
	assert.Error(t, err)
}

func TestLoadRuntimeMissingFileUsesDefaults(t *testing.T) {
	rt, err := LoadRuntime(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultRuntime(), rt)
}

func TestLoadRuntimeOverlaysValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sdstored.toml")
	require.NoError(t, writeFile(path, "socket_path = \"/tmp/custom.sock\"\nlog_level = \"debug\"\n"))

	rt, err := LoadRuntime(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.sock", rt.SocketPath)
	assert.Equal(t, "debug", rt.LogLevel)
	assert.Equal(t, DefaultRuntime().PendingQueueHint, rt.PendingQueueHint)
}
