package driver

import (
	"os"
	"path/filepath"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"

	"github.com/nimbusmq/mediadriver/config"
	"github.com/nimbusmq/mediadriver/internal/nlog"
)

// Bootstrap prepares cfg.DriverDir for a fresh driver instance. Any
// log-buffer files left behind by a previous, uncleanly-stopped
// instance are removed, then the publications/images subdirectories
// are (re)created empty; this module owns cfg.DriverDir exclusively
// for the lifetime of one running driver.
func Bootstrap(cfg *config.Config) error {
	if err := wipeStaleDir(cfg.DriverDir); err != nil {
		return errors.Wrap(err, "driver: bootstrap")
	}
	for _, sub := range []string{"publications", "images"} {
		if err := os.MkdirAll(filepath.Join(cfg.DriverDir, sub), 0o755); err != nil {
			return errors.Wrapf(err, "driver: mkdir %s", sub)
		}
	}
	return nil
}

func wipeStaleDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	var stale []string
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == dir || de.IsDir() {
				return nil
			}
			stale = append(stale, path)
			return nil
		},
	})
	if err != nil {
		return err
	}

	for _, f := range stale {
		nlog.Infof("driver: removing stale file %s from a previous run", f)
		if err := os.Remove(f); err != nil {
			return err
		}
	}
	return nil
}
