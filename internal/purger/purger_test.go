package purger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/htcp-purger/internal/htcp"
	"github.com/postalsys/htcp-purger/internal/metrics"
	"github.com/postalsys/htcp-purger/internal/recovery"
	"github.com/postalsys/htcp-purger/internal/routing"
)

var referencePacket = []byte{
	0, 44, 0, 0, 0, 38, 4, 0,
	0, 0, 0, 1, 0, 0, 0, 4, 72, 69, 65, 68, 0, 8,
	116, 101, 115, 116, 46, 99, 111, 109, 0, 8, 72,
	84, 84, 80, 47, 49, 46, 48, 0, 0, 0, 2,
}

var referencePacket2 = []byte{
	0, 44, 0, 0, 0, 38, 4, 0,
	0, 0, 0, 2, 0, 0, 0, 4, 72, 69, 65, 68, 0, 8,
	116, 101, 115, 116, 46, 99, 111, 109, 0, 8, 72,
	84, 84, 80, 47, 49, 46, 48, 0, 0, 0, 2,
}

// sentPacket is a datagram captured by mockSender.
type sentPacket struct {
	packet []byte
	dest   string
}

// mockSender records packets and fails for configured destinations.
type mockSender struct {
	mu      sync.Mutex
	sent    []sentPacket
	failFor map[string]error
	panicOn string
}

func (m *mockSender) Send(ctx context.Context, packet []byte, dest string) error {
	if m.panicOn != "" && dest == m.panicOn {
		panic("sender exploded")
	}
	if err, ok := m.failFor[dest]; ok {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentPacket{packet: append([]byte(nil), packet...), dest: dest})
	return nil
}

func (m *mockSender) packets() []sentPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentPacket(nil), m.sent...)
}

// diagnostics records DiagnosticFunc calls.
type diagnostics struct {
	mu    sync.Mutex
	calls []string
	cats  []string
}

func (d *diagnostics) log(category string, details map[string]any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cats = append(d.cats, category)
	msg, _ := details["msg"].(string)
	d.calls = append(d.calls, msg)
}

func defaultRoutes() []routing.Rule {
	return []routing.Rule{{Host: "default", Port: 4827}}
}

func txID(packet []byte) uint32 {
	return binary.BigEndian.Uint32(packet[8:12])
}

func TestNew_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want error
	}{
		{"no routes", Options{}, routing.ErrNoRoutes},
		{"bad pattern", Options{Routes: []routing.Rule{{Pattern: "/(/", Host: "h", Port: 1}}}, routing.ErrInvalidPattern},
		{"negative ttl", Options{Routes: defaultRoutes(), MulticastTTL: -1}, ErrInvalidTTL},
		{"ttl too large", Options{Routes: defaultRoutes(), MulticastTTL: 256}, ErrInvalidTTL},
		{"negative rate", Options{Routes: defaultRoutes(), Rate: -1}, ErrInvalidRate},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(tc.opts)
			if !errors.Is(err, tc.want) {
				t.Errorf("New() error = %v, want %v", err, tc.want)
			}
			if p != nil {
				t.Error("New() should not return a purger on error")
			}
		})
	}
}

func TestNewWithSender_NilSender(t *testing.T) {
	if _, err := NewWithSender(Options{Routes: defaultRoutes()}, nil); err == nil {
		t.Error("NewWithSender(nil) should fail")
	}
}

func TestPurge_ReferencePacket(t *testing.T) {
	sender := &mockSender{}
	p, err := NewWithSender(Options{Routes: defaultRoutes()}, sender)
	if err != nil {
		t.Fatalf("NewWithSender() error = %v", err)
	}

	report, err := p.Purge(context.Background(), []string{"test.com"})
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}

	sent := sender.packets()
	if len(sent) != 1 {
		t.Fatalf("sent %d packets, want 1", len(sent))
	}
	if !bytes.Equal(sent[0].packet, referencePacket) {
		t.Errorf("packet =\n%v\nwant\n%v", sent[0].packet, referencePacket)
	}
	if sent[0].dest != "default:4827" {
		t.Errorf("dest = %q, want default:4827", sent[0].dest)
	}

	res := report.Results[0]
	if res.Outcome != OutcomeSent || res.TransactionID != 1 || res.Bytes != 44 {
		t.Errorf("result = %+v", res)
	}
	if report.Count(OutcomeSent) != 1 || report.Bytes() != 44 {
		t.Errorf("report counts: sent=%d bytes=%d", report.Count(OutcomeSent), report.Bytes())
	}
}

func TestPurge_SequentialIDsIncrease(t *testing.T) {
	sender := &mockSender{}
	p, err := NewWithSender(Options{Routes: defaultRoutes()}, sender)
	if err != nil {
		t.Fatalf("NewWithSender() error = %v", err)
	}

	const n = 25
	for i := 0; i < n; i++ {
		if _, err := p.Purge(context.Background(), []string{"http://example.org/" + strconv.Itoa(i)}); err != nil {
			t.Fatalf("Purge() error = %v", err)
		}
	}

	sent := sender.packets()
	if len(sent) != n {
		t.Fatalf("sent %d packets, want %d", len(sent), n)
	}
	for i, s := range sent {
		if got := txID(s.packet); got != uint32(i+1) {
			t.Errorf("packet %d txid = %d, want %d", i, got, i+1)
		}
	}
	if got := p.NextTransactionID(); got != n+1 {
		t.Errorf("NextTransactionID() = %d, want %d", got, n+1)
	}
}

func TestPurge_BatchIDsFollowInputOrder(t *testing.T) {
	sender := &mockSender{}
	p, err := NewWithSender(Options{Routes: defaultRoutes()}, sender)
	if err != nil {
		t.Fatalf("NewWithSender() error = %v", err)
	}

	urls := []string{"http://a/", "http://b/", "http://c/", "http://d/"}
	report, err := p.Purge(context.Background(), urls)
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}

	for i, res := range report.Results {
		if res.URL != urls[i] {
			t.Errorf("Results[%d].URL = %q, want %q", i, res.URL, urls[i])
		}
		if res.TransactionID != uint32(i+1) {
			t.Errorf("Results[%d].TransactionID = %d, want %d", i, res.TransactionID, i+1)
		}
	}

	// Every packet carries the id assigned to its URL.
	for _, s := range sender.packets() {
		req, err := htcp.Decode(s.packet)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		idx := strings.IndexByte("abcd", req.URI[7])
		if req.TransactionID != uint32(idx+1) {
			t.Errorf("%s carried txid %d, want %d", req.URI, req.TransactionID, idx+1)
		}
	}
}

func TestPurge_ConcurrentBatchesUniqueIDs(t *testing.T) {
	sender := &mockSender{}
	p, err := NewWithSender(Options{Routes: defaultRoutes()}, sender)
	if err != nil {
		t.Fatalf("NewWithSender() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Purge(context.Background(), []string{"http://x/1", "http://x/2", "http://x/3"}); err != nil {
				t.Errorf("Purge() error = %v", err)
			}
		}()
	}
	wg.Wait()

	seen := make(map[uint32]bool)
	for _, s := range sender.packets() {
		id := txID(s.packet)
		if seen[id] {
			t.Errorf("duplicate txid %d", id)
		}
		seen[id] = true
	}
	if len(seen) != 30 {
		t.Errorf("got %d unique ids, want 30", len(seen))
	}
}

func TestPurge_Routing(t *testing.T) {
	sender := &mockSender{}
	p, err := NewWithSender(Options{Routes: []routing.Rule{
		{Pattern: `/https?:\/\/test\.com/`, Host: "123.123.123.123", Port: 1234},
		{Host: "default", Port: 1234},
	}}, sender)
	if err != nil {
		t.Fatalf("NewWithSender() error = %v", err)
	}

	report, err := p.Purge(context.Background(), []string{"http://test.com", "http://test2.com"})
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}

	if got := report.Results[0].Destination; got != (routing.Destination{Host: "123.123.123.123", Port: 1234}) {
		t.Errorf("Results[0].Destination = %v", got)
	}
	if got := report.Results[1].Destination; got != (routing.Destination{Host: "default", Port: 1234}) {
		t.Errorf("Results[1].Destination = %v", got)
	}

	dests := make(map[string]bool)
	for _, s := range sender.packets() {
		dests[s.dest] = true
	}
	if !dests["123.123.123.123:1234"] || !dests["default:1234"] {
		t.Errorf("destinations = %v", dests)
	}
}

func TestPurge_RouteMissIsNonFatal(t *testing.T) {
	sender := &mockSender{}
	diag := &diagnostics{}
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	p, err := NewWithSender(Options{
		Routes:  []routing.Rule{{Pattern: `/^https:\/\/upload\./`, Host: "10.0.0.1", Port: 4827}},
		Log:     diag.log,
		Metrics: m,
	}, sender)
	if err != nil {
		t.Fatalf("NewWithSender() error = %v", err)
	}

	report, err := p.Purge(context.Background(), []string{"http://en.wikipedia.org/wiki/Foo"})
	if err != nil {
		t.Fatalf("Purge() error = %v, want nil for routing miss", err)
	}

	if len(sender.packets()) != 0 {
		t.Error("nothing should be sent on a routing miss")
	}
	if report.Results[0].Outcome != OutcomeNoRoute {
		t.Errorf("Outcome = %v, want %v", report.Results[0].Outcome, OutcomeNoRoute)
	}
	if len(diag.calls) != 1 {
		t.Fatalf("diagnostic called %d times, want 1", len(diag.calls))
	}
	if diag.cats[0] != CategoryPurgeError {
		t.Errorf("category = %q, want %q", diag.cats[0], CategoryPurgeError)
	}
	if diag.calls[0] != "Could not find route for http://en.wikipedia.org/wiki/Foo" {
		t.Errorf("msg = %q", diag.calls[0])
	}
	if got := p.NextTransactionID(); got != 1 {
		t.Errorf("routing miss consumed a transaction id: next = %d", got)
	}
	if got := testutil.ToFloat64(m.RouteMisses); got != 1 {
		t.Errorf("RouteMisses = %v, want 1", got)
	}
}

func TestPurge_EncodeOverflowReported(t *testing.T) {
	sender := &mockSender{}
	diag := &diagnostics{}
	p, err := NewWithSender(Options{Routes: defaultRoutes(), Log: diag.log}, sender)
	if err != nil {
		t.Fatalf("NewWithSender() error = %v", err)
	}

	long := "http://x/" + strings.Repeat("a", htcp.MaxURILength)
	report, err := p.Purge(context.Background(), []string{"http://a/", long, "http://b/"})
	if !errors.Is(err, htcp.ErrURITooLong) {
		t.Fatalf("Purge() error = %v, want ErrURITooLong", err)
	}

	var urlErr *URLError
	if !errors.As(err, &urlErr) || urlErr.URL != long || urlErr.Op != "encode" {
		t.Errorf("URLError = %+v", urlErr)
	}
	if len(diag.calls) != 0 {
		t.Error("encode failure must not be reported as a routing miss")
	}

	if report.Results[1].Outcome != OutcomeFailed {
		t.Errorf("Results[1].Outcome = %v, want FAILED", report.Results[1].Outcome)
	}
	if n := len(sender.packets()); n != 2 {
		t.Errorf("sent %d packets, want 2", n)
	}
	if report.Results[0].TransactionID != 1 || report.Results[2].TransactionID != 2 {
		t.Errorf("ids = %d, %d; want 1, 2", report.Results[0].TransactionID, report.Results[2].TransactionID)
	}
}

func TestPurge_SendFailureDoesNotStopOthers(t *testing.T) {
	boom := errors.New("network unreachable")
	sender := &mockSender{failFor: map[string]error{"bad:1": boom}}
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	p, err := NewWithSender(Options{
		Routes: []routing.Rule{
			{Pattern: "/bad/", Host: "bad", Port: 1},
			{Host: "good", Port: 2},
		},
		Metrics: m,
	}, sender)
	if err != nil {
		t.Fatalf("NewWithSender() error = %v", err)
	}

	report, err := p.Purge(context.Background(), []string{"http://ok/1", "http://bad/", "http://ok/2"})
	if !errors.Is(err, boom) {
		t.Fatalf("Purge() error = %v, want %v", err, boom)
	}

	if report.Count(OutcomeSent) != 2 || report.Count(OutcomeFailed) != 1 {
		t.Errorf("sent=%d failed=%d, want 2 and 1", report.Count(OutcomeSent), report.Count(OutcomeFailed))
	}
	if report.Results[1].Err == nil {
		t.Error("Results[1].Err should be set")
	}
	if got := testutil.ToFloat64(m.PurgeErrors.WithLabelValues(metrics.ErrorTypeSend)); got != 1 {
		t.Errorf("PurgeErrors[send] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PacketsSent.WithLabelValues("good:2")); got != 2 {
		t.Errorf("PacketsSent[good:2] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BatchesTotal); got != 1 {
		t.Errorf("BatchesTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.InFlight); got != 0 {
		t.Errorf("InFlight = %v, want 0", got)
	}
}

func TestPurge_PanicInSendIsReported(t *testing.T) {
	sender := &mockSender{panicOn: "boom:1"}
	p, err := NewWithSender(Options{Routes: []routing.Rule{
		{Pattern: "/boom/", Host: "boom", Port: 1},
		{Host: "fine", Port: 2},
	}}, sender)
	if err != nil {
		t.Fatalf("NewWithSender() error = %v", err)
	}

	report, err := p.Purge(context.Background(), []string{"http://boom/", "http://fine/"})

	var perr *recovery.PanicError
	if !errors.As(err, &perr) {
		t.Fatalf("Purge() error = %v, want *recovery.PanicError", err)
	}
	if report.Results[0].Outcome != OutcomeFailed || report.Results[1].Outcome != OutcomeSent {
		t.Errorf("outcomes = %v, %v", report.Results[0].Outcome, report.Results[1].Outcome)
	}
}

func TestPurge_EmptyBatch(t *testing.T) {
	p, err := NewWithSender(Options{Routes: defaultRoutes()}, &mockSender{})
	if err != nil {
		t.Fatalf("NewWithSender() error = %v", err)
	}

	report, err := p.Purge(context.Background(), nil)
	if err != nil {
		t.Errorf("Purge(nil) error = %v", err)
	}
	if len(report.Results) != 0 {
		t.Errorf("len(Results) = %d, want 0", len(report.Results))
	}
}

func TestPurge_RateLimitCanceled(t *testing.T) {
	sender := &mockSender{}
	p, err := NewWithSender(Options{Routes: defaultRoutes(), Rate: 0.001, Burst: 1}, sender)
	if err != nil {
		t.Fatalf("NewWithSender() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	report, err := p.Purge(ctx, []string{"http://a/", "http://b/"})
	if err == nil {
		t.Fatal("Purge() should fail for the send that cannot get a token")
	}
	if report.Count(OutcomeSent) != 1 || report.Count(OutcomeFailed) != 1 {
		t.Errorf("sent=%d failed=%d, want 1 and 1", report.Count(OutcomeSent), report.Count(OutcomeFailed))
	}

	var urlErr *URLError
	if !errors.As(err, &urlErr) || urlErr.Op != "rate limit" {
		t.Errorf("URLError = %+v, want rate limit", urlErr)
	}
}

func TestPurger_BindAndCloseWithSender(t *testing.T) {
	p, err := NewWithSender(Options{Routes: defaultRoutes()}, &mockSender{})
	if err != nil {
		t.Fatalf("NewWithSender() error = %v", err)
	}
	if err := p.Bind(context.Background()); err != nil {
		t.Errorf("Bind() error = %v", err)
	}
	if p.LocalAddr() != nil {
		t.Error("LocalAddr() should be nil without a socket")
	}
	p.Close()
	p.Close()
}

func TestPurger_CloseNeverBound(t *testing.T) {
	p, err := New(Options{Routes: defaultRoutes()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	// Should not panic
	p.Close()
	p.Close()
}

func TestPurger_EndToEnd(t *testing.T) {
	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer server.Close()
	port := server.LocalAddr().(*net.UDPAddr).Port

	p, err := New(Options{Routes: []routing.Rule{{Host: "localhost", Port: port}}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := p.Bind(context.Background()); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer p.Close()

	if p.LocalAddr() == nil {
		t.Fatal("LocalAddr() = nil after Bind")
	}

	buf := make([]byte, 1500)
	for i, want := range [][]byte{referencePacket, referencePacket2} {
		if _, err := p.Purge(context.Background(), []string{"test.com"}); err != nil {
			t.Fatalf("Purge() #%d error = %v", i+1, err)
		}

		server.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := server.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("ReadFromUDP() #%d error = %v", i+1, err)
		}
		if !bytes.Equal(buf[:n], want) {
			t.Errorf("datagram #%d =\n%v\nwant\n%v", i+1, buf[:n], want)
		}
	}
}

func TestPurge_UnboundSocketReportsError(t *testing.T) {
	p, err := New(Options{Routes: defaultRoutes()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer p.Close()

	_, err = p.Purge(context.Background(), []string{"test.com"})
	var urlErr *URLError
	if !errors.As(err, &urlErr) || urlErr.Op != "send" {
		t.Errorf("Purge() error = %v, want send URLError", err)
	}
}

func TestOutcome_String(t *testing.T) {
	tests := []struct {
		o    Outcome
		want string
	}{
		{OutcomePending, "PENDING"},
		{OutcomeSent, "SENT"},
		{OutcomeNoRoute, "NO_ROUTE"},
		{OutcomeFailed, "FAILED"},
		{Outcome(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.o.String(); got != tt.want {
			t.Errorf("Outcome(%d).String() = %q, want %q", tt.o, got, tt.want)
		}
	}
}

func TestURLError(t *testing.T) {
	inner := errors.New("boom")
	err := &URLError{URL: "http://x", Op: "send", Err: inner}
	if err.Error() != "purge http://x: send: boom" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("URLError should unwrap")
	}
}

func TestURLError_TruncatesLongURL(t *testing.T) {
	long := "http://x/" + strings.Repeat("a", 70000)
	err := &URLError{URL: long, Op: "encode", Err: htcp.ErrURITooLong}

	msg := err.Error()
	want := "purge " + long[:256] + "...(70009 bytes): encode: " + htcp.ErrURITooLong.Error()
	if msg != want {
		t.Errorf("Error() length = %d, want %d", len(msg), len(want))
	}
	if err.URL != long {
		t.Error("URL field should keep the full value")
	}
}

func TestPurge_EncodeOverflowLogIsBounded(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	p, err := NewWithSender(Options{Routes: defaultRoutes(), Logger: logger}, &mockSender{})
	if err != nil {
		t.Fatalf("NewWithSender() error = %v", err)
	}

	long := "http://x/" + strings.Repeat("a", 70000)
	_, err = p.Purge(context.Background(), []string{long})
	if !errors.Is(err, htcp.ErrURITooLong) {
		t.Fatalf("Purge() error = %v, want ErrURITooLong", err)
	}
	if len(err.Error()) > 1024 {
		t.Errorf("error message is %d bytes, want at most 1024", len(err.Error()))
	}
	if buf.Len() > 4096 {
		t.Errorf("log output is %d bytes, want at most 4096", buf.Len())
	}
}
