// SPDX-License-Identifier: MIT

//go:build linux

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRunModule_UnknownModule(t *testing.T) {
	cmd := newRunModuleCmd()
	cmd.SetArgs([]string{"--modules-dir", t.TempDir(), "ghost"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for unknown module")
	}
}

func TestRunModule_ExecutesEntryPoint(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "GPS")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(root, "ran")
	script := "#!/bin/sh\ntouch " + marker + "\n"
	if err := os.WriteFile(filepath.Join(dir, "main_gps.sh"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	cmd := newRunModuleCmd()
	cmd.SetArgs([]string{"--modules-dir", root, "gps"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Error("module entry point did not run")
	}
}

func TestRootCmd_RejectsBadMode(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--mode", "daemon", "--data-dir", t.TempDir(), "--modules-dir", t.TempDir()})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected validation error for bad mode")
	}
}
