package timeseries

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"mtmfeed/internal/models"
	"mtmfeed/internal/store"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func fixedNow() time.Time {
	return time.Date(2024, 1, 2, 15, 0, 0, 0, ist)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeHashes returns fields exactly in the order given.
type fakeHashes struct {
	data map[string][]store.Field
	err  error
}

func (f *fakeHashes) HashAll(_ context.Context, key string) ([]store.Field, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.data[key], nil
}

func newFakeReader(fields []store.Field) *Reader {
	fake := &fakeHashes{data: map[string][]store.Field{"live.mtm_alpha": fields}}
	return New(fake, ist, discardLogger(), WithClock(fixedNow))
}

func TestMissingSeriesIsEmpty(t *testing.T) {
	r := newFakeReader(nil)

	if _, ok, err := r.LatestPoint(context.Background(), "ghost"); ok || err != nil {
		t.Fatalf("expected no point and no error, got ok=%v err=%v", ok, err)
	}

	points, err := r.PointsBefore(context.Background(), "ghost", fixedNow())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if points == nil || len(points) != 0 {
		t.Fatalf("expected empty non-nil series, got %#v", points)
	}
}

func TestLatestPointIgnoresOtherDays(t *testing.T) {
	r := newFakeReader([]store.Field{
		{Name: "2024-01-03 09:00:00", Value: "999"},
		{Name: "2024-01-02 10:00:00", Value: "12.5"},
		{Name: "2024-01-02 09:30:00", Value: "7"},
		{Name: "2024-01-01 15:29:00", Value: "500"},
	})

	p, ok, err := r.LatestPoint(context.Background(), "alpha")
	if err != nil || !ok {
		t.Fatalf("expected point, got ok=%v err=%v", ok, err)
	}
	if p.Timestamp != "2024-01-02 10:00:00" || p.Value != 12.5 {
		t.Fatalf("unexpected point %+v", p)
	}
}

func TestLatestPointNoneToday(t *testing.T) {
	r := newFakeReader([]store.Field{
		{Name: "2024-01-01 15:29:00", Value: "500"},
	})

	if _, ok, err := r.LatestPoint(context.Background(), "alpha"); ok || err != nil {
		t.Fatalf("expected no point for today, got ok=%v err=%v", ok, err)
	}
}

func TestPointsBeforeFiltersByClockTime(t *testing.T) {
	r := newFakeReader([]store.Field{
		{Name: "2024-01-02 11:00:00", Value: "3"},
		{Name: "2024-01-02 09:15:00.750", Value: "1"},
		{Name: "2024-01-01 09:00:00", Value: "100"},
		{Name: "2024-01-02 10:30:00", Value: "2"},
		{Name: "2024-01-02 10:30:00", Value: "2.5"},
		{Name: "not-a-time", Value: "4"},
		{Name: "2024-01-02 09:20:00", Value: "oops"},
	})

	// Date of the cutoff is irrelevant; only 10:45 matters.
	cutoff := time.Date(1999, 7, 7, 10, 45, 0, 0, ist)

	got, err := r.PointsBefore(context.Background(), "alpha", cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := models.Series{
		{Timestamp: "2024-01-02 09:15:00", Value: 1},
		{Timestamp: "2024-01-02 10:30:00", Value: 2},
		{Timestamp: "2024-01-02 10:30:00", Value: 2.5},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPointsBeforeIsStrict(t *testing.T) {
	r := newFakeReader([]store.Field{
		{Name: "2024-01-02 10:45:00", Value: "1"},
		{Name: "2024-01-02 10:44:59", Value: "2"},
	})

	got, err := r.PointsBefore(context.Background(), "alpha", time.Date(2024, 1, 2, 10, 45, 0, 0, ist))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Timestamp != "2024-01-02 10:44:59" {
		t.Fatalf("unexpected result %v", got)
	}
}

func TestPointsBeforeConvertsCutoffZone(t *testing.T) {
	r := newFakeReader([]store.Field{
		{Name: "2024-01-02 10:00:00", Value: "1"},
		{Name: "2024-01-02 10:40:00", Value: "2"},
	})

	// 05:00 UTC is 10:30 IST.
	cutoff := time.Date(2024, 1, 2, 5, 0, 0, 0, time.UTC)
	got, err := r.PointsBefore(context.Background(), "alpha", cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Value != 1 {
		t.Fatalf("unexpected result %v", got)
	}
}

func TestStoreErrorPropagates(t *testing.T) {
	boom := errors.New("connection refused")
	r := New(&fakeHashes{err: boom}, ist, discardLogger(), WithClock(fixedNow))

	if _, _, err := r.LatestPoint(context.Background(), "alpha"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
	if _, err := r.PointsBefore(context.Background(), "alpha", fixedNow()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestReaderAgainstRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.HSet("live.mtm_alpha",
		"2024-01-02 09:16:00", "5.5",
		"2024-01-02T09:15:00", "4",
		"2024-01-01 09:17:00", "9",
	)

	client, err := store.New("redis://"+mr.Addr(), "", discardLogger())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	r := New(client, ist, discardLogger(), WithClock(fixedNow))

	p, ok, err := r.LatestPoint(context.Background(), "alpha")
	if err != nil || !ok {
		t.Fatalf("expected point, got ok=%v err=%v", ok, err)
	}
	if p != (models.Point{Timestamp: "2024-01-02 09:16:00", Value: 5.5}) {
		t.Fatalf("unexpected point %+v", p)
	}

	got, err := r.PointsBefore(context.Background(), "alpha", time.Date(2024, 1, 2, 23, 0, 0, 0, ist))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := models.Series{
		{Timestamp: "2024-01-02 09:15:00", Value: 4},
		{Timestamp: "2024-01-02 09:16:00", Value: 5.5},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParseTimestampOffset(t *testing.T) {
	at, err := ParseTimestamp("2024-01-02T04:00:00Z", ist)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if at.Format(models.TimestampLayout) != "2024-01-02 09:30:00" {
		t.Fatalf("expected conversion into IST, got %s", at)
	}
}
