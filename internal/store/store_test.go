package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/andresmejia3/deepcheck/internal/types"
	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Explicitly check for Docker availability and fail hard if missing
	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("deepcheck_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	// Get Connection String
	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close()

	// --- Test Scenarios ---

	if _, err := s.LatestVerdict(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown media, got %v", err)
	}

	first := types.Verdict{
		Label: types.LabelReal, Confidence: 0.88, Kind: types.KindVideo,
		Faces: 3, FramesSampled: 3, FramesDecoded: 25, Elapsed: 1500 * time.Millisecond,
	}
	idA, err := s.RecordVerdict(ctx, "vid_123", "/tmp/video.mp4", Settings{Stride: 10, Detector: true}, first)
	if err != nil {
		t.Fatalf("RecordVerdict failed: %v", err)
	}
	if idA == uuid.Nil {
		t.Error("Expected a verdict ID")
	}

	// Re-classifying the same media keeps a single media row and appends a verdict.
	time.Sleep(10 * time.Millisecond)
	second := types.Verdict{
		Label: types.LabelDeepFake, Confidence: 0.31, Kind: types.KindVideo, Partial: true,
		Reason: types.ReasonDecodeTruncated, Faces: 2, FramesSampled: 2, FramesDecoded: 12,
	}
	idB, err := s.RecordVerdict(ctx, "vid_123", "/tmp/moved.mp4", Settings{Stride: 5}, second)
	if err != nil {
		t.Fatalf("RecordVerdict (second) failed: %v", err)
	}

	latest, err := s.LatestVerdict(ctx, "vid_123")
	if err != nil {
		t.Fatalf("LatestVerdict failed: %v", err)
	}
	if latest.ID != idB {
		t.Errorf("Expected latest verdict %s, got %s", idB, latest.ID)
	}
	if latest.Path != "/tmp/moved.mp4" {
		t.Errorf("Expected path to follow the newest record, got %s", latest.Path)
	}
	if !latest.Verdict.Partial || latest.Verdict.Reason != types.ReasonDecodeTruncated {
		t.Errorf("Expected partial decode_truncated verdict, got %+v", latest.Verdict)
	}
	if latest.Settings.Stride != 5 || latest.Settings.Detector {
		t.Errorf("Unexpected settings %+v", latest.Settings)
	}

	records, err := s.ListVerdicts(ctx, 0)
	if err != nil {
		t.Fatalf("ListVerdicts failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 verdicts, got %d", len(records))
	}
	if records[1].ID != idA || records[1].Verdict.Elapsed != 1500*time.Millisecond {
		t.Errorf("Unexpected oldest record %+v", records[1])
	}

	limited, err := s.ListVerdicts(ctx, 1)
	if err != nil {
		t.Fatalf("ListVerdicts(1) failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Expected 1 verdict with limit, got %d", len(limited))
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, err := s.ListVerdicts(ctx, 0); err == nil {
		t.Error("Expected an error listing verdicts after the tables were dropped")
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
