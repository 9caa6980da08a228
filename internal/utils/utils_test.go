package utils

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
)

func TestSplitJpeg(t *testing.T) {
	// Construct a stream containing: [Garbage] [JPEG] [Garbage]
	// SOI (Start of Image): FF D8
	// EOI (End of Image):   FF D9

	jpegData := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00} // Garbage at start
	streamData = append(streamData, jpegData...)
	streamData = append(streamData, []byte{0x00, 0x00}...) // Garbage at end

	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	// Scan() should skip the first garbage bytes and find the JPEG
	if !scanner.Scan() {
		t.Fatal("Expected to find a token, got EOF")
	}

	if !bytes.Equal(scanner.Bytes(), jpegData) {
		t.Errorf("Expected %X, got %X", jpegData, scanner.Bytes())
	}

	// Trailing garbage is not a JPEG and must not surface as an error
	if scanner.Scan() {
		t.Error("Expected only one token, found more")
	}
	if err := scanner.Err(); err != nil {
		t.Errorf("Expected clean EOF, got %v", err)
	}
}

func TestSplitJpeg_Consecutive(t *testing.T) {
	a := []byte{0xFF, 0xD8, 0xAA, 0xFF, 0xD9}
	b := []byte{0xFF, 0xD8, 0xBB, 0xBB, 0xFF, 0xD9}

	scanner := bufio.NewScanner(bytes.NewReader(append(append([]byte{}, a...), b...)))
	scanner.Split(SplitJpeg)

	var got [][]byte
	for scanner.Scan() {
		got = append(got, append([]byte(nil), scanner.Bytes()...))
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(got))
	}
	if !bytes.Equal(got[0], a) || !bytes.Equal(got[1], b) {
		t.Errorf("Frames were split incorrectly: %X", got)
	}
}

func TestSplitJpeg_TruncatedFrame(t *testing.T) {
	// Stream ends after SOI without an EOI marker
	streamData := []byte{0xFF, 0xD8, 0x01, 0x02, 0xFF, 0xD9, 0xFF, 0xD8, 0x03}

	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	if !scanner.Scan() {
		t.Fatal("Expected the first complete frame")
	}
	if scanner.Scan() {
		t.Fatal("Expected the truncated frame to be rejected")
	}
	if !errors.Is(scanner.Err(), ErrTruncatedJpeg) {
		t.Errorf("Expected ErrTruncatedJpeg, got %v", scanner.Err())
	}
}

func TestNewFFmpegCmd(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantStdin bool
	}{
		{name: "file input", input: "/tmp/clip.mp4", wantStdin: false},
		{name: "stdin input", input: StdinInput, wantStdin: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := NewFFmpegCmd(context.Background(), "ffmpeg", tt.input)
			hasNoStdin := false
			hasInput := false
			hasXError := false
			explodeAt, inputAt := -1, -1
			for i, a := range cmd.Args {
				if a == "-nostdin" {
					hasNoStdin = true
				}
				if a == "-xerror" {
					hasXError = true
				}
				if a == "-err_detect" && i+1 < len(cmd.Args) && cmd.Args[i+1] == "explode" {
					explodeAt = i
				}
				if a == "-i" && i+1 < len(cmd.Args) && cmd.Args[i+1] == tt.input {
					hasInput = true
					inputAt = i
				}
			}
			if !hasInput {
				t.Errorf("Expected -i %s in %v", tt.input, cmd.Args)
			}
			if !hasXError {
				t.Errorf("Expected -xerror so decode errors end ffmpeg with a failure, got %v", cmd.Args)
			}
			if explodeAt < 0 || explodeAt > inputAt {
				t.Errorf("Expected -err_detect explode before -i, got %v", cmd.Args)
			}
			if hasNoStdin == tt.wantStdin {
				t.Errorf("-nostdin present=%v for input %q", hasNoStdin, tt.input)
			}
			if cmd.Args[len(cmd.Args)-1] != "-" {
				t.Errorf("Expected output to stdout, got %v", cmd.Args)
			}
		})
	}
}

func TestGenerateMediaID(t *testing.T) {
	// Integration test using the OS filesystem
	tmp, err := os.CreateTemp("", "media_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write([]byte("fake video content")); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	id, err := GenerateMediaID(tmp.Name())
	if err != nil || id == "" {
		t.Errorf("Failed to generate ID: %v", err)
	}

	// Verify Determinism
	id2, _ := GenerateMediaID(tmp.Name())
	if id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	// Verify Sensitivity (Change content -> Change ID)
	f, _ := os.OpenFile(tmp.Name(), os.O_APPEND|os.O_WRONLY, 0644)
	f.Write([]byte(" modification"))
	f.Close()

	id3, _ := GenerateMediaID(tmp.Name())
	if id == id3 {
		t.Error("Hash did not change after file modification")
	}
}

func TestShowError_NilCommand(t *testing.T) {
	// Must not panic without a command attached
	ShowError("probe failed", errors.New("boom"), nil)
}
