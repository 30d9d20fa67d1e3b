package habroker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/milad-ha/amqpha/brokerclient"
	"github.com/milad-ha/amqpha/internal/mocktransport"
	"github.com/milad-ha/amqpha/internal/transport"
	"github.com/milad-ha/amqpha/serializer"
	"github.com/milad-ha/amqpha/stats"
	"github.com/milad-ha/amqpha/statuswatch"
	"github.com/milad-ha/amqpha/xlog"
)

func publishOpts(mandatory, persistent bool) brokerclient.PublishOptions {
	return brokerclient.PublishOptions{Mandatory: mandatory, Persistent: persistent}
}

func newTestCoordinator(t *testing.T, opts Options) (*Coordinator, *mocktransport.Dialer) {
	t.Helper()
	d := mocktransport.NewDialer()
	c, err := New("h0,h1,h2", "5672,5673,5674", serializer.JSON{}, d, xlog.Logger{}, stats.NewSnapshot(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, d
}

func TestNew_NilSerializerErrors(t *testing.T) {
	d := mocktransport.NewDialer()
	_, err := New("h0", "5672", nil, d, xlog.Logger{}, nil, Options{})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestNew_EmptyAddressListErrors(t *testing.T) {
	d := mocktransport.NewDialer()
	_, err := NewFromAddresses(nil, serializer.JSON{}, d, xlog.Logger{}, nil, Options{})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestNew_BuildsPriorityOrderedClients(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{})
	if len(c.clients) != 3 {
		t.Fatalf("want 3 clients, got %d", len(c.clients))
	}
	for i, cl := range c.clients {
		if cl.Index() != uint16(i) {
			t.Fatalf("client %d has index %d", i, cl.Index())
		}
		if c.byIdentity[cl.Identity()] != cl {
			t.Fatalf("identity map missing client %d", i)
		}
	}
}

func TestCoordinator_Connect_AllBrokers(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for _, r := range c.Status() {
		if r.Status != "connected" {
			t.Fatalf("broker %s status = %s", r.Identity, r.Status)
		}
	}
}

func TestCoordinator_Connect_AllFail(t *testing.T) {
	d := mocktransport.NewDialer()
	c, err := New("h0", "5672", serializer.JSON{}, d, xlog.Logger{}, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	d.FailNextDial("h0", 5672, context.DeadlineExceeded)
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected error when every broker fails")
	}
}

func TestCoordinator_ScenarioA_PriorityPublishFirstBrokerDown(t *testing.T) {
	d := mocktransport.NewDialer()
	c, err := New("h0,h1", "5672,5673", serializer.JSON{}, d, xlog.Logger{}, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	// b0 never connects; b1 does.
	d.FailNextDial("h0", 5672, context.DeadlineExceeded)
	c.Connect(context.Background())

	accepted, err := c.Publish(context.Background(), "x", []byte("payload"), PublishOptions{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(accepted) != 1 || accepted[0] != c.clients[1].Identity() {
		t.Fatalf("accepted = %v, want only b1", accepted)
	}

	ch := connChannelFor(t, d, "h1", 5673)
	if len(ch.Published()) != 1 {
		t.Fatalf("b1 published %d times", len(ch.Published()))
	}
}

func TestCoordinator_Publish_Fanout(t *testing.T) {
	c, d := newTestCoordinator(t, Options{})
	c.Connect(context.Background())

	accepted, err := c.Publish(context.Background(), "x", []byte("payload"), PublishOptions{Fanout: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(accepted) != 3 {
		t.Fatalf("fanout accepted = %v", accepted)
	}
	for _, host := range []struct {
		h string
		p uint16
	}{{"h0", 5672}, {"h1", 5673}, {"h2", 5674}} {
		ch := connChannelFor(t, d, host.h, host.p)
		if len(ch.Published()) != 1 {
			t.Fatalf("%s:%d published %d times", host.h, host.p, len(ch.Published()))
		}
	}
}

func TestCoordinator_Publish_NoConnectedBrokers(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{})
	// Not connected at all.
	_, err := c.Publish(context.Background(), "x", []byte("payload"), PublishOptions{})
	if err == nil {
		t.Fatal("expected no-connected-brokers error")
	}
}

func TestCoordinator_ScenarioB_MandatoryReturnReroutes(t *testing.T) {
	c, d := newTestCoordinator(t, Options{})
	c.Connect(context.Background())

	var nonDeliveryCalls int32
	var mu sync.Mutex
	var lastReason string
	c.NonDelivery(func(reason, typ, token, from, to string) {
		mu.Lock()
		nonDeliveryCalls++
		lastReason = reason
		mu.Unlock()
	})

	accepted, err := c.Publish(context.Background(), "x", []byte(`"payload"`), PublishOptions{
		PublishOptions: publishOpts(true, false),
	})
	if err != nil {
		t.Fatal(err)
	}
	b0 := c.clients[0].Identity()
	if len(accepted) != 1 || accepted[0] != b0 {
		t.Fatalf("accepted = %v, want only b0 (priority, non-fanout)", accepted)
	}

	ch0 := connChannelFor(t, d, "h0", 5672)
	body := ch0.Published()[0].Msg.Body
	ch0.InjectReturn(transport.Return{ReplyText: "NO_ROUTE", Body: body})

	ch1 := waitForPublish(t, d, "h1", 5673, 1)
	ch1.InjectReturn(transport.Return{ReplyText: "NO_ROUTE", Body: body})

	ch2 := waitForPublish(t, d, "h2", 5674, 1)
	ch2.InjectReturn(transport.Return{ReplyText: "NO_ROUTE", Body: body})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := nonDeliveryCalls
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if nonDeliveryCalls != 1 {
		t.Fatalf("non_delivery calls = %d", nonDeliveryCalls)
	}
	if lastReason != "NO_ROUTE" {
		t.Fatalf("reason = %q", lastReason)
	}
}

func TestCoordinator_ScenarioC_PersistentAccessRefusedDowngrade(t *testing.T) {
	d := mocktransport.NewDialer()
	c, err := New("h0", "5672", serializer.JSON{}, d, xlog.Logger{}, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	c.Connect(context.Background())

	var nonDeliveryCalls int32
	c.NonDelivery(func(reason, typ, token, from, to string) {
		atomic.AddInt32(&nonDeliveryCalls, 1)
	})

	_, err = c.Publish(context.Background(), "x", []byte(`"payload"`), PublishOptions{
		PublishOptions: publishOpts(true, true),
	})
	if err != nil {
		t.Fatal(err)
	}

	ch0 := connChannelFor(t, d, "h0", 5672)
	body := ch0.Published()[0].Msg.Body
	ch0.InjectReturn(transport.Return{ReplyText: "ACCESS_REFUSED", Body: body})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.clients[0].Status().String() == "stopping" && len(ch0.Published()) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if c.clients[0].Status().String() != "stopping" {
		t.Fatalf("b0 status = %s, want stopping", c.clients[0].Status())
	}
	if len(ch0.Published()) != 2 {
		t.Fatalf("b0 published %d times, want 2 (original + non-mandatory retry)", len(ch0.Published()))
	}
	if atomic.LoadInt32(&nonDeliveryCalls) != 0 {
		t.Fatalf("non_delivery calls = %d, want 0 (retry accepted)", nonDeliveryCalls)
	}
}

func TestCoordinator_Unsubscribe_IdempotentAndCallsBlk(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{})
	c.Connect(context.Background())

	ids := c.Subscribe(context.Background(), "q", nil, SubscribeOptions{}, func(string, brokerclient.Delivery) error { return nil })
	if len(ids) != 3 {
		t.Fatalf("want 3 subscriptions, got %d", len(ids))
	}

	var blkCalls int32
	got := c.Unsubscribe("q", UseOptions{}, time.Second, func() { atomic.AddInt32(&blkCalls, 1) })
	if len(got) != 3 {
		t.Fatalf("want 3 unsubscribed identities, got %d (%v)", len(got), got)
	}
	if atomic.LoadInt32(&blkCalls) != 1 {
		t.Fatalf("blk called %d times, want 1", blkCalls)
	}

	// Second call is a silent no-op: every broker still reports success
	// since Unsubscribe on an unknown queue is idempotent, but blk still
	// fires exactly once more.
	got2 := c.Unsubscribe("q", UseOptions{}, time.Second, func() { atomic.AddInt32(&blkCalls, 1) })
	if len(got2) != 3 {
		t.Fatalf("second unsubscribe: want 3 identities, got %d", len(got2))
	}
	if atomic.LoadInt32(&blkCalls) != 2 {
		t.Fatalf("blk called %d times after second call, want 2", blkCalls)
	}
}

func TestCoordinator_ScenarioE_OneOffWatcherTimesOut(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{})
	// No broker ever connects.
	events := make(chan statuswatch.Event, 4)
	c.ConnectionStatus(statuswatch.Options{Boundary: statuswatch.Any, OneOff: 20 * time.Millisecond}, func(e statuswatch.Event) {
		events <- e
	})

	select {
	case e := <-events:
		if e != statuswatch.EventTimeout {
			t.Fatalf("got %v, want timeout", e)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher never timed out")
	}

	// A later transition must not invoke the deregistered watcher.
	c.Connect(context.Background())
	select {
	case e := <-events:
		t.Fatalf("deregistered watcher fired again with %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCoordinator_ConnectionStatus_AnyBoundaryOnFirstConnect(t *testing.T) {
	d := mocktransport.NewDialer()
	c, err := New("h0", "5672", serializer.JSON{}, d, xlog.Logger{}, nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	events := make(chan statuswatch.Event, 4)
	c.ConnectionStatus(statuswatch.Options{Boundary: statuswatch.Any}, func(e statuswatch.Event) {
		events <- e
	})

	c.Connect(context.Background())

	select {
	case e := <-events:
		if e != statuswatch.EventConnected {
			t.Fatalf("got %v, want connected", e)
		}
	case <-time.After(time.Second):
		t.Fatal("watcher never fired on the 0->1 transition")
	}
}

func TestCoordinator_Declare(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{})
	c.Connect(context.Background())

	ids := c.Declare("topic", "orders", DeclareOptions{DeclareOptions: brokerclient.DeclareOptions{Durable: true}})
	if len(ids) != 3 {
		t.Fatalf("declare succeeded on %v, want all 3", ids)
	}
}

func TestCoordinator_Delete_TargetedBrokers(t *testing.T) {
	c, d := newTestCoordinator(t, Options{})
	c.Connect(context.Background())

	c.Subscribe(context.Background(), "q", nil, SubscribeOptions{}, func(string, brokerclient.Delivery) error { return nil })

	b1 := c.clients[1].Identity()
	ids := c.Delete("q", DeleteOptions{Brokers: []string{b1}})
	if len(ids) != 1 || ids[0] != b1 {
		t.Fatalf("delete targeted %v, want only %s", ids, b1)
	}
	if connChannelFor(t, d, "h1", 5673).HasQueue("q") {
		t.Fatal("q still declared on b1 after delete")
	}
	if !connChannelFor(t, d, "h0", 5672).HasQueue("q") {
		t.Fatal("q should remain on the untargeted b0")
	}
}

func TestCoordinator_Publish_UnknownIdentitySkipped(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{})
	c.Connect(context.Background())

	b2 := c.clients[2].Identity()
	accepted, err := c.Publish(context.Background(), "x", []byte("payload"), PublishOptions{
		Brokers: []string{"rs-broker-nope-1", b2},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(accepted) != 1 || accepted[0] != b2 {
		t.Fatalf("accepted = %v, want only %s", accepted, b2)
	}
}

func TestCoordinator_Stats_ReportsFailureCounters(t *testing.T) {
	d := mocktransport.NewDialer()
	c, err := New("h0", "5672", serializer.JSON{}, d, xlog.Logger{}, stats.NewSnapshot(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	d.FailNextDial("h0", 5672, context.DeadlineExceeded)
	c.Connect(context.Background())

	recs := c.Stats()
	if len(recs) != 1 {
		t.Fatalf("want 1 record, got %d", len(recs))
	}
	r := recs[0]
	if r.Status != "failed" {
		t.Fatalf("status = %s", r.Status)
	}
	if r.Failures == nil || *r.Failures != 1 {
		t.Fatalf("failures = %v, want 1", r.Failures)
	}
	if r.Disconnects != nil {
		t.Fatalf("disconnects = %v, want nil (null-if-zero)", *r.Disconnects)
	}
}

func TestCoordinator_Remove(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{})
	c.Connect(context.Background())

	if err := c.Remove("nope", 1); err == nil {
		t.Fatal("expected error removing unknown broker")
	}

	if err := c.Remove("h1", 5673); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(c.Status()) != 2 {
		t.Fatalf("want 2 brokers remaining, got %d", len(c.Status()))
	}
}

func TestCoordinator_Close_NoFurtherPublishOrSubscribe(t *testing.T) {
	c, _ := newTestCoordinator(t, Options{})
	c.Connect(context.Background())

	var done int32
	c.Close(false, func() { atomic.AddInt32(&done, 1) })
	if atomic.LoadInt32(&done) != 1 {
		t.Fatalf("blk called %d times, want 1", done)
	}

	if _, err := c.Publish(context.Background(), "x", []byte("msg"), PublishOptions{}); err == nil {
		t.Fatal("expected publish to fail after close")
	}
	ids := c.Subscribe(context.Background(), "q", nil, SubscribeOptions{}, func(string, brokerclient.Delivery) error { return nil })
	if len(ids) != 0 {
		t.Fatalf("expected no subscriptions to succeed after close, got %v", ids)
	}

	// Second close is a no-op at the broker level but still runs blk.
	c.Close(false, func() { atomic.AddInt32(&done, 1) })
	if atomic.LoadInt32(&done) != 2 {
		t.Fatalf("blk called %d times after second close, want 2", done)
	}
}

func connChannelFor(t *testing.T, d *mocktransport.Dialer, host string, port uint16) *mocktransport.Channel {
	t.Helper()
	conn := d.Conn(host, port)
	if conn == nil {
		t.Fatalf("no connection for %s:%d", host, port)
	}
	channels := conn.Channels()
	if len(channels) == 0 {
		t.Fatalf("no channel opened for %s:%d", host, port)
	}
	return channels[len(channels)-1]
}

func waitForPublish(t *testing.T, d *mocktransport.Dialer, host string, port uint16, n int) *mocktransport.Channel {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var ch *mocktransport.Channel
	for time.Now().Before(deadline) {
		ch = connChannelFor(t, d, host, port)
		if len(ch.Published()) >= n {
			return ch
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s:%d never received %d publishes, got %d", host, port, n, len(ch.Published()))
	return nil
}
