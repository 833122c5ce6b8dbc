// Package wavfile reads and writes 16-bit PCM WAV data for canonical audio,
// both in memory (for engine uploads) and as growing files on disk (for
// channel recordings).
package wavfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	bitDepth   = 16
	pcmFormat  = 1
	monoLayout = 1
)

// Encode returns a complete mono 16-bit WAV file holding samples.
func Encode(samples []int16, sampleRate int) ([]byte, error) {
	var ws seekBuffer
	enc := wav.NewEncoder(&ws, sampleRate, bitDepth, monoLayout, pcmFormat)
	if err := enc.Write(intBuffer(samples, sampleRate)); err != nil {
		return nil, fmt.Errorf("wavfile: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("wavfile: finish: %w", err)
	}
	return ws.buf, nil
}

// Decode parses a 16-bit PCM WAV file and returns its first channel and
// sample rate.
func Decode(data []byte) ([]int16, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, 0, errors.New("wavfile: not a valid WAV file")
	}
	if dec.BitDepth != bitDepth {
		return nil, 0, fmt.Errorf("wavfile: unsupported bit depth %d", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("wavfile: decode: %w", err)
	}
	ch := buf.Format.NumChannels
	if ch < 1 {
		ch = 1
	}
	out := make([]int16, len(buf.Data)/ch)
	for i := range out {
		out[i] = int16(buf.Data[i*ch])
	}
	return out, buf.Format.SampleRate, nil
}

// Writer appends mono 16-bit samples to a WAV file on disk. The header is
// finalised by Close. Not safe for concurrent use.
type Writer struct {
	f    *os.File
	enc  *wav.Encoder
	rate int
	n    int
}

// Create creates (or truncates) path and returns a Writer for it.
func Create(path string, sampleRate int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: create %q: %w", path, err)
	}
	return &Writer{
		f:    f,
		enc:  wav.NewEncoder(f, sampleRate, bitDepth, monoLayout, pcmFormat),
		rate: sampleRate,
	}, nil
}

// Write appends samples.
func (w *Writer) Write(samples []int16) error {
	if len(samples) == 0 {
		return nil
	}
	if err := w.enc.Write(intBuffer(samples, w.rate)); err != nil {
		return fmt.Errorf("wavfile: write %q: %w", w.f.Name(), err)
	}
	w.n += len(samples)
	return nil
}

// Samples returns the number of samples written so far.
func (w *Writer) Samples() int { return w.n }

// Path returns the file path.
func (w *Writer) Path() string { return w.f.Name() }

// Close finalises the header and closes the file.
func (w *Writer) Close() error {
	encErr := w.enc.Close()
	fileErr := w.f.Close()
	return errors.Join(encErr, fileErr)
}

func intBuffer(samples []int16, rate int) *goaudio.IntBuffer {
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: monoLayout, SampleRate: rate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
}

// seekBuffer is an in-memory io.WriteSeeker; the WAV encoder seeks back to
// patch chunk sizes when it closes.
type seekBuffer struct {
	buf []byte
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	if end := s.pos + len(p); end > len(s.buf) {
		s.buf = append(s.buf, make([]byte, end-len(s.buf))...)
	}
	copy(s.buf[s.pos:], p)
	s.pos += len(p)
	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(s.pos) + offset
	case io.SeekEnd:
		abs = int64(len(s.buf)) + offset
	default:
		return 0, fmt.Errorf("wavfile: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.New("wavfile: negative seek position")
	}
	s.pos = int(abs)
	return abs, nil
}
