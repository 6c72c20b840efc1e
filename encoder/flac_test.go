package encoder

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sinePCM(samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16((i%64-32)*500)))
	}
	return pcm
}

func TestFlacEncoderEmpty(t *testing.T) {
	enc, err := NewFlac()
	if err != nil {
		t.Fatalf("NewFlac: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close on empty encoder: %v", err)
	}
	if enc.TotalFrames() != 0 {
		t.Errorf("TotalFrames = %d, want 0", enc.TotalFrames())
	}
	if len(enc.Bytes()) == 0 {
		t.Error("expected non-empty FLAC output (at least header)")
	}
}

func TestFlacEncoderPartialBlock(t *testing.T) {
	enc, err := NewFlac()
	if err != nil {
		t.Fatalf("NewFlac: %v", err)
	}

	partial := make([]int16, BlockSize/4)
	for i := range partial {
		partial[i] = int16(i % 1000)
	}

	if err := enc.EncodeBlock(partial); err != nil {
		t.Fatalf("EncodeBlock partial: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if enc.TotalFrames() != uint64(len(partial)) {
		t.Errorf("TotalFrames = %d, want %d", enc.TotalFrames(), len(partial))
	}
}

func TestEncodePCM(t *testing.T) {
	data, err := EncodePCM(sinePCM(BlockSize*2 + 100))
	if err != nil {
		t.Fatalf("EncodePCM: %v", err)
	}
	if len(data) < 4 || string(data[:4]) != "fLaC" {
		t.Fatal("output does not start with FLAC magic")
	}
}

func TestArchiveSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "utterances")
	a := NewArchive(dir)
	a.now = func() time.Time { return time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC) }

	path, err := a.Save("abc", sinePCM(1600))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if want := filepath.Join(dir, "20260301-093000_abc.flac"); path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}
	if string(data[:4]) != "fLaC" {
		t.Error("archived file is not FLAC")
	}

	if _, err := a.Save("empty", nil); err == nil {
		t.Error("expected error for empty pcm")
	}
}
