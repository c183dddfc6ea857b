package app

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestPrettyHandlerFormatsRecord(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	h := newPrettyHandler(&sb, &slog.HandlerOptions{Level: slog.LevelDebug}, false)
	log := slog.New(h)

	log.Info("store.message.upsert", "chat_id", "c1", "count", 3)

	out := sb.String()
	for _, want := range []string{"lvl=[INFO]", "msg=store.message.upsert", "chat_id=c1", "count=3"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrettyHandlerQuotesValuesWithSpaces(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	log := slog.New(newPrettyHandler(&sb, nil, false))

	log.Info("x", "preview", "hello there")

	if !strings.Contains(sb.String(), `preview="hello there"`) {
		t.Fatalf("value not quoted:\n%s", sb.String())
	}
}

func TestPrettyHandlerGroupsAndAttrs(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	log := slog.New(newPrettyHandler(&sb, nil, false)).
		With("component", "transport").
		WithGroup("ws")

	log.Info("session", "id", "s1")

	out := sb.String()
	if !strings.Contains(out, "component=transport") {
		t.Fatalf("carried attr missing:\n%s", out)
	}
	if !strings.Contains(out, "ws.id=s1") {
		t.Fatalf("group prefix missing:\n%s", out)
	}
}

func TestPrettyHandlerHonorsLevel(t *testing.T) {
	t.Parallel()

	h := newPrettyHandler(&strings.Builder{}, &slog.HandlerOptions{Level: slog.LevelWarn}, false)

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info enabled at warn threshold")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("error disabled at warn threshold")
	}
}

func TestValueToStringKinds(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		in   slog.Value
		want string
	}{
		{in: slog.StringValue("x"), want: "x"},
		{in: slog.IntValue(-3), want: "-3"},
		{in: slog.BoolValue(true), want: "true"},
		{in: slog.DurationValue(1500 * time.Millisecond), want: "1.5s"},
		{in: slog.TimeValue(at), want: "2026-08-24T10:00:00Z"},
	}

	for _, tc := range cases {
		if got := valueToString(tc.in); got != tc.want {
			t.Fatalf("valueToString(%v)=%q want=%q", tc.in, got, tc.want)
		}
	}
}
