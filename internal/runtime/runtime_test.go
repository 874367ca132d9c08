package runtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rzbill/intelbridge/internal/bus"
	cfgpkg "github.com/rzbill/intelbridge/internal/config"
	"github.com/rzbill/intelbridge/internal/manage"
	"github.com/rzbill/intelbridge/internal/message"
	"github.com/rzbill/intelbridge/internal/metrics"
	"github.com/rzbill/intelbridge/internal/transport/ws"
)

func testConfig(t *testing.T) cfgpkg.Config {
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Fsync = "always"
	return cfg
}

func TestOpenCloseHealth(t *testing.T) {
	rt, err := Open(Options{Config: testConfig(t)})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	rt.Start(context.Background())
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rt.CheckHealth(context.Background()); err == nil {
		t.Fatalf("health after close should fail")
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestJournalDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.JournalEnabled = false
	rt, err := Open(Options{Config: cfg})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if rt.Journal() != nil {
		t.Fatalf("journal should be nil")
	}
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func subscribe(t *testing.T, rt *Runtime, topic string, days int) manage.Response {
	t.Helper()
	raw := `{"action":"subscribe","topic":"` + topic + `","snapshot":` + strconv.Itoa(days) + `}`
	var resp manage.Response
	if err := json.Unmarshal(rt.Manage().Handle(context.Background(), []byte(raw)), &resp); err != nil {
		t.Fatalf("reply: %v", err)
	}
	if resp.Status != manage.StatusSuccess {
		t.Fatalf("subscribe failed: %+v", resp)
	}
	return resp
}

// allTokens covers every token by its first hex digit.
var allTokens = strings.Split("0 1 2 3 4 5 6 7 8 9 a b c d e f", " ")

func TestSnapshotBackfillFromJournal(t *testing.T) {
	rt, err := Open(Options{Config: testConfig(t)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rt.Start(ctx)

	ts := httptest.NewServer(rt.Pub())
	defer ts.Close()
	sub, err := ws.DialSubscriber(ctx, strings.TrimPrefix(ts.URL, "http://"), allTokens...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sub.Close()

	past := message.Intel{TS: time.Now().UTC(), ID: "past", Data: message.IntelData{Indicator: []string{"1.2.3.4"}, IntelType: "ADDR"}, Operation: message.OpAdd}
	// The journal attaches to the bus in the background; publish until it records.
	for {
		if err := rt.Bus().Publish(ctx, bus.For(past, "test")); err != nil {
			t.Fatalf("publish: %v", err)
		}
		if rt.Journal().WaitForAppend(50 * time.Millisecond) {
			break
		}
		if ctx.Err() != nil {
			t.Fatalf("intel never journaled")
		}
	}

	resp := subscribe(t, rt, "intel", 1)
	for {
		topic, payload, err := sub.Receive(ctx)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if topic != resp.Topic+message.KindIntel.Suffix() {
			continue
		}
		msg, err := message.Decode(message.KindIntel, payload)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.(message.Intel).ID != "past" {
			t.Fatalf("backfill = %+v", msg)
		}
		return
	}
}

func TestLargeBackfillArrivesComplete(t *testing.T) {
	const entries = 2000
	cfg := testConfig(t)
	cfg.Fsync = "never"
	cfg.SendBuffer = 2 * entries
	rt, err := Open(Options{Config: cfg})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	for i := 0; i < entries; i++ {
		in := message.Intel{TS: time.Now().UTC(), ID: "old-" + strconv.Itoa(i), Data: message.IntelData{Indicator: []string{"10.0.0.1"}, IntelType: "ADDR"}, Operation: message.OpAdd}
		payload, err := message.Encode(in)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if _, err := rt.Journal().Append(ctx, message.ClassIntel, payload); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	rt.Start(ctx)

	ts := httptest.NewServer(rt.Pub())
	defer ts.Close()
	sub, err := ws.DialSubscriber(ctx, strings.TrimPrefix(ts.URL, "http://"), allTokens...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sub.Close()

	resp := subscribe(t, rt, "intel", 1)
	for got := 0; got < entries; {
		topic, payload, err := sub.Receive(ctx)
		if err != nil {
			t.Fatalf("receive after %d of %d: %v", got, entries, err)
		}
		if topic != resp.Topic+message.KindIntel.Suffix() {
			continue
		}
		msg, err := message.Decode(message.KindIntel, payload)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if want := "old-" + strconv.Itoa(got); msg.(message.Intel).ID != want {
			t.Fatalf("entry %d = %s, want %s", got, msg.(message.Intel).ID, want)
		}
		got++
	}
	if n := testutil.ToFloat64(rt.Metrics().Dropped.WithLabelValues(metrics.ReasonBusFull)); n != 0 {
		t.Fatalf("bus dropped %v envelopes", n)
	}
}

func TestLiveIntelIsolatedPerSession(t *testing.T) {
	cfg := testConfig(t)
	cfg.JournalEnabled = false
	rt, err := Open(Options{Config: cfg})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rt.Start(ctx)

	ts := httptest.NewServer(rt.Pub())
	defer ts.Close()
	addr := strings.TrimPrefix(ts.URL, "http://")

	a := subscribe(t, rt, "intel", 0)
	b := subscribe(t, rt, "sighting", 0)
	subA, err := ws.DialSubscriber(ctx, addr, a.Topic)
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer subA.Close()
	subB, err := ws.DialSubscriber(ctx, addr, b.Topic)
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer subB.Close()

	live := message.Intel{TS: time.Now().UTC(), ID: "live", Data: message.IntelData{Indicator: []string{"evil.example"}, IntelType: "DOMAIN"}, Operation: message.OpAdd}
	if err := rt.Bus().Publish(ctx, bus.For(live, "test")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	topic, _, err := subA.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if topic != a.Topic+"intel" {
		t.Fatalf("A got topic %s", topic)
	}

	short, cancelShort := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelShort()
	if topic, _, err := subB.Receive(short); err == nil {
		t.Fatalf("sighting session received %s", topic)
	}
}
