package metadata

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/cuongbtq/transcode-worker/internal/domain"
	_ "github.com/glebarez/go-sqlite"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSink(t *testing.T, createMissing bool) *SQLSink {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	sink, err := NewSQLSink(db, createMissing, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, sink.EnsureSchema(context.Background()))
	return sink
}

func seed(t *testing.T, s *SQLSink, id string) {
	t.Helper()
	_, err := s.db.Exec(`INSERT INTO videos (id) VALUES (?1)`, id)
	require.NoError(t, err)
}

func TestUpdatePartial_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestSink(t, false)
	seed(t, s, "vid")

	require.NoError(t, s.UpdatePartial(ctx, "vid", Update{Status: domain.TranscodeStatusProcessing}))
	rec, err := s.Get(ctx, "vid")
	require.NoError(t, err)
	assert.Equal(t, "processing", rec.Status)
	assert.Empty(t, rec.TranscodedURL)

	completed := Update{
		Status:        domain.TranscodeStatusCompleted,
		TranscodedURL: map[string]string{"HD": "b1/vid/v_720p.mp4"},
		ThumbnailURL:  "b1/vid/v_thumbnail.jpg",
	}
	require.NoError(t, s.UpdatePartial(ctx, "vid", completed))

	rec, err = s.Get(ctx, "vid")
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Status)
	assert.Equal(t, map[string]string{"HD": "b1/vid/v_720p.mp4"}, rec.TranscodedURL)
	assert.Equal(t, "b1/vid/v_thumbnail.jpg", rec.ThumbnailURL)
	assert.Empty(t, rec.Error)

	// repeating the same update converges
	require.NoError(t, s.UpdatePartial(ctx, "vid", completed))
	again, err := s.Get(ctx, "vid")
	require.NoError(t, err)
	assert.Equal(t, rec, again)
}

func TestUpdatePartial_MergesLabels(t *testing.T) {
	ctx := context.Background()
	s := newTestSink(t, false)
	seed(t, s, "vid")

	require.NoError(t, s.UpdatePartial(ctx, "vid", Update{Status: "completed", TranscodedURL: map[string]string{"HD": "hd.mp4"}}))
	require.NoError(t, s.UpdatePartial(ctx, "vid", Update{Status: "completed", TranscodedURL: map[string]string{"LD": "ld.mp4"}}))
	require.NoError(t, s.UpdatePartial(ctx, "vid", Update{Status: "completed", TranscodedURL: map[string]string{"HD": "hd-v2.mp4"}}))

	rec, err := s.Get(ctx, "vid")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"HD": "hd-v2.mp4", "LD": "ld.mp4"}, rec.TranscodedURL)
}

func TestUpdatePartial_StatusTransitions(t *testing.T) {
	tests := []struct {
		name       string
		initial    []Update
		update     Update
		wantStatus string
		wantError  string
	}{
		{
			name:       "processing does not regress completed",
			initial:    []Update{{Status: "completed", TranscodedURL: map[string]string{"HD": "x"}}},
			update:     Update{Status: "processing"},
			wantStatus: "completed",
		},
		{
			name:       "failed records the error",
			update:     Update{Status: "failed", Error: "encoding: source_data_invalid: moov atom not found"},
			wantStatus: "failed",
			wantError:  "encoding: source_data_invalid: moov atom not found",
		},
		{
			name:       "retry after failure clears the error",
			initial:    []Update{{Status: "failed", Error: "boom"}},
			update:     Update{Status: "processing"},
			wantStatus: "processing",
		},
		{
			name:       "completion clears the error",
			initial:    []Update{{Status: "failed", Error: "boom"}},
			update:     Update{Status: "completed", TranscodedURL: map[string]string{"HD": "x"}},
			wantStatus: "completed",
		},
		{
			name:       "error text ignored for non-failed status",
			update:     Update{Status: "processing", Error: "stray"},
			wantStatus: "processing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestSink(t, false)
			seed(t, s, "vid")
			for _, u := range tt.initial {
				require.NoError(t, s.UpdatePartial(ctx, "vid", u))
			}

			require.NoError(t, s.UpdatePartial(ctx, "vid", tt.update))

			rec, err := s.Get(ctx, "vid")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, rec.Status)
			assert.Equal(t, tt.wantError, rec.Error)
		})
	}
}

func TestUpdatePartial_ThumbnailKeptWhenOmitted(t *testing.T) {
	ctx := context.Background()
	s := newTestSink(t, false)
	seed(t, s, "vid")

	require.NoError(t, s.UpdatePartial(ctx, "vid", Update{Status: "completed", ThumbnailURL: "thumb.jpg"}))
	require.NoError(t, s.UpdatePartial(ctx, "vid", Update{Status: "completed", TranscodedURL: map[string]string{"SD": "sd.mp4"}}))

	rec, err := s.Get(ctx, "vid")
	require.NoError(t, err)
	assert.Equal(t, "thumb.jpg", rec.ThumbnailURL)
}

func TestUpdatePartial_MissingRecord(t *testing.T) {
	ctx := context.Background()

	strict := newTestSink(t, false)
	err := strict.UpdatePartial(ctx, "ghost", Update{Status: "processing"})
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)

	_, err = strict.Get(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)

	lenient := newTestSink(t, true)
	require.NoError(t, lenient.UpdatePartial(ctx, "ghost", Update{Status: "completed", TranscodedURL: map[string]string{"HD": "x"}}))
	rec, err := lenient.Get(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Status)
	assert.Equal(t, "x", rec.TranscodedURL["HD"])
}

func TestUpdatePartial_RequiresStatus(t *testing.T) {
	s := newTestSink(t, true)
	err := s.UpdatePartial(context.Background(), "vid", Update{})
	require.Error(t, err)
}

func TestNewSQLSink_UnsupportedDriver(t *testing.T) {
	db := sqlx.NewDb(nil, "mysql")
	_, err := NewSQLSink(db, false, slog.Default())
	require.Error(t, err)
}
