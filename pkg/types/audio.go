package types

import (
	"fmt"
	"io"
	"os"
)

// AudioInput is a tagged variant over the ways callers hand audio to the
// gateway: a filesystem path, raw bytes, a reader, or a named wrapper around
// any of those. Content is materialized at most once; two inputs with the same
// bytes produce the same normalized form regardless of wrapper.
type AudioInput struct {
	kind  audioKind
	path  string
	data  []byte
	r     io.Reader
	name  string
	inner *AudioInput
}

type audioKind int

const (
	audioNone audioKind = iota
	audioPath
	audioBytes
	audioReader
	audioNamed
)

// AudioFromPath references audio stored at a filesystem path.
func AudioFromPath(path string) AudioInput {
	return AudioInput{kind: audioPath, path: path}
}

// AudioFromBytes wraps raw audio bytes.
func AudioFromBytes(data []byte) AudioInput {
	return AudioInput{kind: audioBytes, data: data}
}

// AudioFromReader wraps a stream of audio bytes. The reader is drained the
// first time content is requested.
func AudioFromReader(r io.Reader) AudioInput {
	return AudioInput{kind: audioReader, r: r}
}

// AudioNamed attaches a filename to another audio input, mirroring the
// (filename, content) pair some client libraries produce.
func AudioNamed(name string, inner AudioInput) AudioInput {
	return AudioInput{kind: audioNamed, name: name, inner: &inner}
}

// IsZero reports whether no audio was provided.
func (a AudioInput) IsZero() bool { return a.kind == audioNone }

// Name returns the attached filename, falling back to the path base when the
// input came from a file, and "" otherwise.
func (a AudioInput) Name() string {
	switch a.kind {
	case audioNamed:
		return a.name
	case audioPath:
		return a.path
	default:
		return ""
	}
}

// Bytes materializes the audio content. Path inputs are read from disk and
// readers drained; the result is memoized on the receiver's pointer fields so
// repeat calls do not re-read.
func (a *AudioInput) Bytes() ([]byte, error) {
	switch a.kind {
	case audioBytes:
		return a.data, nil
	case audioPath:
		if a.data != nil {
			return a.data, nil
		}
		data, err := os.ReadFile(a.path)
		if err != nil {
			return nil, fmt.Errorf("read audio file %q: %w", a.path, err)
		}
		a.data = data
		return data, nil
	case audioReader:
		if a.data != nil {
			return a.data, nil
		}
		data, err := io.ReadAll(a.r)
		if err != nil {
			return nil, fmt.Errorf("read audio stream: %w", err)
		}
		a.data = data
		return data, nil
	case audioNamed:
		return a.inner.Bytes()
	default:
		return nil, fmt.Errorf("no audio input provided")
	}
}
