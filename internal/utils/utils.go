package utils

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (decoder and worker logs)
// This ensures we don't lose critical crash information if a subprocess dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command bound to ctx and attaches a buffer to its Stderr pipe.
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Logs returns the captured stderr output, or "" when nothing was written.
func (s *SafeCommand) Logs() string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	return s.Stderr.String()
}

// ShowError prints a formatted error box and dumps subprocess logs if a SafeCommand is provided.
// Unlike a hard exit, it lets the caller unwind (closing pipes and workers) before returning the error.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 DEEPCHECK ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if logs := s.Logs(); logs != "" {
		fmt.Fprintf(os.Stderr, "\nSUBPROCESS LOGS:\n%s\n", logs)
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. Video Engine ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// StdinInput is the ffmpeg input specifier for a stream piped on stdin.
const StdinInput = "pipe:0"

// ErrNoVideoStream is returned by Probe when the container holds no decodable video stream.
var ErrNoVideoStream = errors.New("no video stream found")

// ProbeResult is the subset of ffprobe output the sampler cares about.
type ProbeResult struct {
	Codec  string
	Frames int // 0 when the container does not declare a frame count
}

type ffprobeOutput struct {
	Streams []struct {
		CodecName     string `json:"codec_name"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

// Probe opens the container with ffprobe and reports the first video stream.
// It fails when the file cannot be opened or has no video stream, which lets callers fail fast
// before spawning a decoder.
func Probe(ctx context.Context, ffprobe, path string) (ProbeResult, error) {
	cmd := NewSafeCommand(ctx, ffprobe, "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=codec_name,nb_frames", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		if logs := cmd.Logs(); logs != "" {
			return ProbeResult{}, fmt.Errorf("ffprobe: %w: %s", err, bytes.TrimSpace(cmd.Stderr.Bytes()))
		}
		return ProbeResult{}, fmt.Errorf("ffprobe: %w", err)
	}

	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 || res.Streams[0].CodecName == "" {
		return ProbeResult{}, ErrNoVideoStream
	}

	frames, _ := strconv.Atoi(res.Streams[0].NbFrames) // "N/A" for some containers
	return ProbeResult{Codec: res.Streams[0].CodecName, Frames: frames}, nil
}

// GetTotalFrames counts packets with ffprobe for the progress bar.
// It is the slow path used when container metadata has no frame count and returns 0 on failure,
// allowing the progress bar to fall back to a spinner.
func GetTotalFrames(ctx context.Context, ffprobe, path string) int {
	if _, err := exec.LookPath(ffprobe); err != nil {
		return 0
	}

	cmd := exec.CommandContext(ctx, ffprobe, "-v", "error", "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=nb_read_packets", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return 0
	}

	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil || len(res.Streams) == 0 {
		return 0
	}

	count, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil {
		return 0
	}
	return count
}

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		if atEOF {
			// Trailing garbage without a frame start, drop it.
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		if atEOF {
			return 0, nil, ErrTruncatedJpeg
		}
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// ErrTruncatedJpeg signals that the stream ended inside a JPEG frame.
var ErrTruncatedJpeg = errors.New("stream ended inside a JPEG frame")

// NewFFmpegCmd creates a standard decoder pipe.
// It configures FFmpeg to output every decoded frame as MJPEG on Stdout, without dropping or
// duplicating frames, so frame ordinals match decode order. Use StdinInput to decode a piped stream.
func NewFFmpegCmd(ctx context.Context, ffmpeg, input string) *SafeCommand {
	// -loglevel error keeps the stderr buffer small on long videos.
	// -xerror and -err_detect explode turn a corrupt packet into a non-zero exit instead of
	// a silently concealed frame, so the sampler can report the decode as truncated.
	args := []string{"-hide_banner", "-loglevel", "error", "-xerror"}
	if input != StdinInput {
		args = append(args, "-nostdin")
	}
	args = append(args, "-err_detect", "explode", "-i", input, "-an", "-vsync", "passthrough",
		"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "2", "-")
	return NewSafeCommand(ctx, ffmpeg, args...)
}

// GenerateMediaID creates a deterministic hash for the media file
// based on its path, size, and modification time.
func GenerateMediaID(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}
