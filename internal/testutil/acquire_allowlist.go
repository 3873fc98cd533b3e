package testutil

import (
	"io/ioutil"
	"os"
	"path/filepath"
)

type (
	TestLog interface {
		Fatal(...interface{})
		Log(...interface{})
	}
)

// AcquireTempDir returns a fresh directory removed by cleanup.
func AcquireTempDir(t TestLog) (string, func()) {
	dir, err := ioutil.TempDir("", "challenged-tests")
	if err != nil {
		t.Fatal(err)
	}
	return dir, func() {
		err := os.RemoveAll(dir)
		if err != nil {
			t.Log("unable to cleanup temp dir", dir)
		}
	}
}

// AcquireAllowList writes content to a new allow-list file and returns its
// path.
func AcquireAllowList(t TestLog, content string) (string, func()) {
	dir, cleanup := AcquireTempDir(t)
	path := filepath.Join(dir, "allowed")
	err := ioutil.WriteFile(path, []byte(content), 0644)
	if err != nil {
		cleanup()
		t.Fatal(err)
	}
	return path, cleanup
}
