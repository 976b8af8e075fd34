// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package local

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"github.com/bureau-foundation/gearbridge/lib/ci"
)

// consoleStore keeps one zstd-compressed log per build at
// <dir>/<job>/<number>.log.zst.
type consoleStore struct {
	dir string
}

func (c consoleStore) path(job string, number int) string {
	return filepath.Join(c.dir, job, strconv.Itoa(number)+".log.zst")
}

// create opens a new log for writing.
func (c consoleStore) create(job string, number int) (io.WriteCloser, error) {
	path := c.path(job, number)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating console log: %w", err)
	}
	encoder, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("creating log encoder: %w", err)
	}
	return &consoleWriter{encoder: encoder, file: file}, nil
}

// open returns the decompressed log of a build.
func (c consoleStore) open(job string, number int) (io.ReadCloser, error) {
	file, err := os.Open(c.path(job, number))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("console log of %s #%d: %w", job, number, ci.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("opening console log: %w", err)
	}
	decoder, err := zstd.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("creating log decoder: %w", err)
	}
	return &consoleReader{decoder: decoder, file: file}, nil
}

type consoleWriter struct {
	encoder *zstd.Encoder
	file    *os.File
}

func (w *consoleWriter) Write(p []byte) (int, error) {
	return w.encoder.Write(p)
}

// Close finishes the zstd frame before closing the file.
func (w *consoleWriter) Close() error {
	return errors.Join(w.encoder.Close(), w.file.Close())
}

type consoleReader struct {
	decoder *zstd.Decoder
	file    *os.File
}

func (r *consoleReader) Read(p []byte) (int, error) {
	return r.decoder.Read(p)
}

func (r *consoleReader) Close() error {
	r.decoder.Close()
	return r.file.Close()
}
