/*
 * Copyright 2019 Dgraph Labs, Inc. and Contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package output implements the Output Writer (spec §4.5): atomic append to
// newline-delimited files, plain or gzip-compressed based on extension, with
// directory creation and the query's output naming policy (spec §3).
package output

import (
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Recognised extensions, verbatim from spec §4.5 / the original
// twicorder.constants module.
var (
	RegularExtensions    = []string{"txt", "json", "yaml", "twc"}
	CompressedExtensions = []string{"gzip", "zip", "twzip"}
)

// Writer appends newline-delimited records to logical paths, expanding `~`,
// creating parent directories, and choosing a plain or gzip stream by file
// extension.
type Writer struct{}

// New returns a ready Writer. Writer carries no state of its own; every
// concurrent caller opens and closes its own file handle per Write, which is
// what makes a single append call atomic at the OS write() level.
func New() *Writer {
	return &Writer{}
}

// Write appends data to the file at logicalPath, creating parent directories
// as needed. Files are opened in append mode and are never truncated
// mid-run, per spec §4.5.
func (w *Writer) Write(data []byte, logicalPath string) error {
	path, err := expandHome(logicalPath)
	if err != nil {
		return errors.Wrap(err, "output: expanding path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "output: creating parent directory for %q", path)
	}

	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	switch {
	case contains(RegularExtensions, ext):
		return w.writePlain(data, path)
	case contains(CompressedExtensions, ext):
		return w.writeGzip(data, path)
	default:
		return errors.Errorf("output: unrecognised format %q for path %q", ext, path)
	}
}

func (w *Writer) writePlain(data []byte, path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "output: opening %q", path)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return errors.Wrapf(err, "output: writing %q", path)
	}
	return nil
}

func (w *Writer) writeGzip(data []byte, path string) error {
	// Gzip streams aren't appendable in place; appending to an existing
	// member sequence is valid gzip (concatenated gzip members decode as a
	// single logical stream), so each Write opens a *new* member onto the
	// same file in append mode instead of re-reading and re-compressing.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "output: opening %q", path)
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	if _, err := gw.Write(data); err != nil {
		gw.Close()
		return errors.Wrapf(err, "output: gzip-writing %q", path)
	}
	return errors.Wrapf(gw.Close(), "output: closing gzip member for %q", path)
}

func contains(list []string, val string) bool {
	for _, v := range list {
		if v == val {
			return true
		}
	}
	return false
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") && path != "~" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}

// BuildPath implements the output file naming policy from spec §3:
// {output_dir}/{bucket}/{yyyy-MM-dd_HH-mm-ss}_{first_item_id}{postfix}.
func BuildPath(outputDir, bucket, firstItemID, postfix string, now time.Time) string {
	filename := fmt.Sprintf("%s_%s%s", now.Format("2006-01-02_15-04-05"), firstItemID, postfix)
	return filepath.Join(outputDir, bucket, filename)
}
