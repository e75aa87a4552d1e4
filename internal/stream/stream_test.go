package stream

import (
	"bufio"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type event struct {
	name string
	data string
}

func parseEvents(t *testing.T, body string) []event {
	t.Helper()
	var (
		events []event
		cur    event
	)
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			events = append(events, cur)
			cur = event{}
		}
	}
	return events
}

func TestOpen_SetsHeadersAndFlushes(t *testing.T) {
	rec := httptest.NewRecorder()
	_, err := Open(rec)
	require.NoError(t, err)
	require.True(t, rec.Flushed)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	require.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}

func TestStream_Lifecycle(t *testing.T) {
	rec := httptest.NewRecorder()
	s, err := Open(rec)
	require.NoError(t, err)

	require.ErrorIs(t, s.Token("early"), ErrNotAcked)
	require.ErrorIs(t, s.Done(DonePayload{}), ErrNotAcked)

	require.NoError(t, s.Ack())
	require.NoError(t, s.Token("Mean"))
	require.NoError(t, s.Token(" temperature"))
	link := "https://plots/t.png"
	require.NoError(t, s.Done(DonePayload{MessageID: "m1", Link: &link}))

	require.ErrorIs(t, s.Token("late"), ErrStreamClosed)
	require.ErrorIs(t, s.Error("late"), ErrStreamClosed)
	require.ErrorIs(t, s.Ack(), ErrStreamClosed)
	s.Close(errors.New("ignored"))
	require.True(t, s.Closed())

	events := parseEvents(t, rec.Body.String())
	require.Equal(t, []event{
		{EventAck, `{"status":"processing"}`},
		{EventToken, `{"content":"Mean"}`},
		{EventToken, `{"content":" temperature"}`},
		{EventDone, `{"messageId":"m1","link":"https://plots/t.png","qc":null}`},
	}, events)
}

func TestStream_CloseEmitsTerminalError(t *testing.T) {
	rec := httptest.NewRecorder()
	s, err := Open(rec)
	require.NoError(t, err)
	require.NoError(t, s.Ack())

	s.Close(errors.New("analytics engine timed out"))
	s.Close(nil)

	events := parseEvents(t, rec.Body.String())
	require.Len(t, events, 2)
	require.Equal(t, EventError, events[1].name)
	require.Equal(t, `{"error":"analytics engine timed out"}`, events[1].data)
}

func TestStream_CloseBeforeAck(t *testing.T) {
	rec := httptest.NewRecorder()
	s, err := Open(rec)
	require.NoError(t, err)

	s.Close(nil)

	events := parseEvents(t, rec.Body.String())
	require.Len(t, events, 2)
	require.Equal(t, EventAck, events[0].name)
	require.Equal(t, EventError, events[1].name)
}

func TestIncrements_JoinsBackToText(t *testing.T) {
	text := "Mean  temperature near\n10N 75E is 28.4 °C"
	var got []string
	for inc := range Increments(context.Background(), text, 0) {
		got = append(got, inc)
	}
	require.Equal(t, "Mean", got[0])
	require.Equal(t, "  temperature", got[1])
	require.Equal(t, "\n10N", got[3])
	require.Equal(t, text, strings.Join(got, ""))
}

func TestIncrements_KeepsLayout(t *testing.T) {
	cases := map[string]struct {
		text string
		want []string
	}{
		"table": {
			text: "| depth | temp |\n|---|---|\n| 10 | 28.4 |",
			want: []string{"|", " depth", " |", " temp", " |", "\n|---|---|", "\n|", " 10", " |", " 28.4", " |"},
		},
		"paragraphs": {
			text: "\n  Salinity rose.\n\n\tThen fell.  ",
			want: []string{"Salinity", " rose.", "\n\n\tThen", " fell."},
		},
		"single word": {text: "ok", want: []string{"ok"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			var got []string
			for inc := range Increments(context.Background(), tc.text, 0) {
				got = append(got, inc)
			}
			require.Equal(t, tc.want, got)
			require.Equal(t, strings.TrimSpace(tc.text), strings.Join(got, ""))
		})
	}
}

func TestIncrements_Empty(t *testing.T) {
	_, ok := <-Increments(context.Background(), "   ", time.Millisecond)
	require.False(t, ok)
}

func TestIncrements_CancelStopsPacing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := Increments(ctx, "one two three four five", time.Hour)

	require.Equal(t, "one", <-ch)
	start := time.Now()
	cancel()
	for range ch {
	}
	require.Less(t, time.Since(start), time.Second)
}

func TestRegistry_NewestWins(t *testing.T) {
	r := NewRegistry()

	first, releaseFirst := r.Register(context.Background(), "c1")
	second, releaseSecond := r.Register(context.Background(), "c1")
	other, releaseOther := r.Register(context.Background(), "c2")

	<-first.Done()
	require.ErrorIs(t, context.Cause(first), ErrSuperseded)
	require.NoError(t, second.Err())
	require.NoError(t, other.Err())
	require.Equal(t, 2, r.Active())

	// releasing the superseded turn must not unregister the newer one
	releaseFirst()
	require.Equal(t, 2, r.Active())

	releaseSecond()
	releaseOther()
	require.Equal(t, 0, r.Active())
	require.ErrorIs(t, context.Cause(second), context.Canceled)
}
