package monitor

import (
	"encoding/binary"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"beaconwatch/internal/payload"
	"beaconwatch/internal/transport"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type collector struct {
	records []Statistics
	reports []error
}

func (c *collector) listener(s Statistics) { c.records = append(c.records, s) }

func (c *collector) Report(err error) { c.reports = append(c.reports, err) }

func newTestProcessor(t *testing.T) (*Processor, *fakeClock, *collector) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)}
	col := &collector{}
	p := NewProcessor(Options{Reporter: col, Clock: clock.Now}, zerolog.Nop())
	p.AddListener(col.listener)
	return p, clock, col
}

func beaconAd(rssi int16, addr uint32) transport.Advertisement {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, addr)
	return transport.Advertisement{
		Address:           "AA:BB:CC:DD:EE:FF",
		SignalStrengthDBm: rssi,
		TxPower:           transport.NoTxPower(),
		ManufacturerData:  []transport.ManufacturerData{{CompanyID: payload.CompanyID, Data: data}},
	}
}

func TestAcceptedSightingAtReferencePower(t *testing.T) {
	p, clock, col := newTestProcessor(t)
	p.Start()
	clock.Advance(2 * time.Second)

	if n := p.HandleAdvertisement(beaconAd(-69, 0x01020304)); n != 1 {
		t.Fatalf("应发布 1 条记录, 实际 %d", n)
	}

	rec := col.records[0]
	if rec.DistanceMeters != 1.0 {
		t.Fatalf("-69 dBm 应估算为 1.0 米, 实际 %v", rec.DistanceMeters)
	}
	if rec.SightingCount != 1 || rec.SourceAddress != 0x01020304 {
		t.Fatalf("记录字段不正确: %#v", rec)
	}
	if rec.ElapsedSeconds != 2 || rec.FrequencyHz != 0.5 {
		t.Fatalf("期望 elapsed=2 freq=0.5, 实际 %v %v", rec.ElapsedSeconds, rec.FrequencyHz)
	}
	if rec.SignalStrengthDBm != -69 {
		t.Fatalf("RSSI 不正确: %v", rec.SignalStrengthDBm)
	}
	if _, ok := rec.TxPower.Get(); ok {
		t.Fatal("未上报发射功率时应为空")
	}
	if rec.ReceivedAt != clock.now {
		t.Fatal("缺少接收时间时应使用当前时钟")
	}
}

func TestZeroElapsedFrequencyIsZero(t *testing.T) {
	p, _, col := newTestProcessor(t)
	p.Start()

	p.HandleAdvertisement(beaconAd(-60, 1))
	if rec := col.records[0]; rec.ElapsedSeconds != 0 || rec.FrequencyHz != 0 {
		t.Fatalf("elapsed 为 0 时频率应为 0, 实际 %#v", rec)
	}
}

func TestForeignCompanyIgnored(t *testing.T) {
	p, _, col := newTestProcessor(t)
	p.Start()

	foreign := transport.Advertisement{ManufacturerData: []transport.ManufacturerData{{CompanyID: 0xAAAA, Data: []byte{1, 2, 3, 4}}}}
	p.HandleAdvertisement(foreign)
	p.HandleAdvertisement(foreign)

	if len(col.records) != 0 || len(col.reports) != 0 {
		t.Fatalf("未识别的 company id 不应产生记录或报告: %d %d", len(col.records), len(col.reports))
	}
	if p.Snapshot().SightingCount != 0 {
		t.Fatal("计数应保持为 0")
	}
}

func TestMalformedPayloadReported(t *testing.T) {
	p, _, col := newTestProcessor(t)
	p.Start()

	ad := transport.Advertisement{
		Address:          "11:22:33:44:55:66",
		ManufacturerData: []transport.ManufacturerData{{CompanyID: payload.CompanyID, Data: []byte{1, 2}}},
	}
	if n := p.HandleAdvertisement(ad); n != 0 {
		t.Fatalf("过短负载不应产生记录, 实际 %d", n)
	}
	if len(col.reports) != 1 {
		t.Fatalf("应上报 1 个异常, 实际 %d", len(col.reports))
	}

	var me *MalformedPayloadError
	if !errors.As(col.reports[0], &me) {
		t.Fatalf("应为 MalformedPayloadError, 实际 %T", col.reports[0])
	}
	if me.Size != 2 || me.Address != "11:22:33:44:55:66" || !errors.Is(me, payload.ErrMalformed) {
		t.Fatalf("异常字段不正确: %#v", me)
	}
	if p.Snapshot().SightingCount != 0 {
		t.Fatal("计数应保持为 0")
	}
}

func TestMultipleEntriesEvaluatedIndependently(t *testing.T) {
	p, _, col := newTestProcessor(t)
	p.Start()

	ad := transport.Advertisement{
		SignalStrengthDBm: -70,
		ManufacturerData: []transport.ManufacturerData{
			{CompanyID: payload.CompanyID, Data: []byte{1, 0, 0, 0}},
			{CompanyID: 0x004C, Data: []byte{9, 9, 9, 9}},
			{CompanyID: payload.CompanyID, Data: []byte{1}},
			{CompanyID: payload.CompanyID, Data: []byte{2, 0, 0, 0, 0xFF}},
		},
	}
	if n := p.HandleAdvertisement(ad); n != 2 {
		t.Fatalf("应发布 2 条记录, 实际 %d", n)
	}
	if col.records[0].SourceAddress != 1 || col.records[1].SourceAddress != 2 {
		t.Fatalf("记录顺序或地址不正确: %#v", col.records)
	}
	if col.records[1].SightingCount != 2 {
		t.Fatalf("计数应递增至 2, 实际 %d", col.records[1].SightingCount)
	}
	if len(col.reports) != 1 {
		t.Fatalf("应上报 1 个格式异常, 实际 %d", len(col.reports))
	}
}

func TestCountIgnoresRejectedEvents(t *testing.T) {
	p, clock, col := newTestProcessor(t)
	p.Start()

	for i := 0; i < 10; i++ {
		clock.Advance(100 * time.Millisecond)
		p.HandleAdvertisement(beaconAd(-65, uint32(i)))
		p.HandleAdvertisement(transport.Advertisement{ManufacturerData: []transport.ManufacturerData{{CompanyID: 0xAAAA}}})
		p.HandleAdvertisement(transport.Advertisement{ManufacturerData: []transport.ManufacturerData{{CompanyID: payload.CompanyID}}})
	}

	if got := p.Snapshot().SightingCount; got != 10 {
		t.Fatalf("计数应为 10, 实际 %d", got)
	}
	for i, rec := range col.records {
		if rec.SightingCount != uint64(i+1) {
			t.Fatalf("第 %d 条记录计数应为 %d, 实际 %d", i, i+1, rec.SightingCount)
		}
		want := float64(rec.SightingCount) / rec.ElapsedSeconds
		if math.Abs(rec.FrequencyHz-want) > 1e-9 {
			t.Fatalf("频率应为 count/elapsed: %v != %v", rec.FrequencyHz, want)
		}
	}
}

func TestStopIgnoresEventsAndKeepsCounters(t *testing.T) {
	p, _, col := newTestProcessor(t)
	p.Start()
	p.HandleAdvertisement(beaconAd(-60, 1))
	p.Stop()

	if n := p.HandleAdvertisement(beaconAd(-60, 2)); n != 0 {
		t.Fatalf("停止后不应产生记录, 实际 %d", n)
	}
	p.HandleAdvertisement(transport.Advertisement{ManufacturerData: []transport.ManufacturerData{{CompanyID: payload.CompanyID}}})

	snap := p.Snapshot()
	if snap.State != Idle || snap.SightingCount != 1 {
		t.Fatalf("停止后计数应保留: %#v", snap)
	}
	if len(col.records) != 1 || len(col.reports) != 0 {
		t.Fatalf("停止后不应有新记录或报告: %d %d", len(col.records), len(col.reports))
	}
}

func TestEventsBeforeStartIgnored(t *testing.T) {
	p, _, col := newTestProcessor(t)
	if n := p.HandleAdvertisement(beaconAd(-60, 1)); n != 0 || len(col.records) != 0 {
		t.Fatal("未开始监听时应忽略事件")
	}
}

func TestRestartResetsSession(t *testing.T) {
	p, clock, col := newTestProcessor(t)
	first := p.Start()
	clock.Advance(time.Second)
	p.HandleAdvertisement(beaconAd(-60, 1))
	p.HandleAdvertisement(beaconAd(-60, 1))

	clock.Advance(time.Second)
	second := p.Start()
	if second.ID == first.ID {
		t.Fatal("重新开始应生成新的会话 ID")
	}
	if second.SightingCount != 0 || !second.StartedAt.Equal(clock.now) {
		t.Fatalf("重新开始应重置计数和开始时间: %#v", second)
	}

	clock.Advance(4 * time.Second)
	p.HandleAdvertisement(beaconAd(-60, 1))
	last := col.records[len(col.records)-1]
	if last.SightingCount != 1 || last.ElapsedSeconds != 4 || last.SessionID != second.ID {
		t.Fatalf("新会话记录不正确: %#v", last)
	}
}

func TestListenersInvokedInOrderAndRemovable(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	var order []string
	a := p.AddListener(func(Statistics) { order = append(order, "a") })
	p.AddListener(func(Statistics) { order = append(order, "b") })

	p.Start()
	p.HandleAdvertisement(beaconAd(-60, 1))
	p.RemoveListener(a)
	p.RemoveListener(ListenerID(999))
	p.HandleAdvertisement(beaconAd(-60, 1))

	want := []string{"a", "b", "b"}
	if len(order) != len(want) {
		t.Fatalf("期望 %v, 实际 %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("期望 %v, 实际 %v", want, order)
		}
	}
}

func TestListenerMayStopProcessor(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	p.AddListener(func(Statistics) { p.Stop() })
	p.Start()

	ad := beaconAd(-60, 1)
	ad.ManufacturerData = append(ad.ManufacturerData, ad.ManufacturerData[0])
	if n := p.HandleAdvertisement(ad); n != 1 {
		t.Fatalf("监听器停止后应不再发布, 实际 %d", n)
	}
}

func TestTxPowerPassedThrough(t *testing.T) {
	p, _, col := newTestProcessor(t)
	p.Start()

	ad := beaconAd(-50, 1)
	ad.TxPower = transport.TxPowerOf(-10)
	p.HandleAdvertisement(ad)

	if v, ok := col.records[0].TxPower.Get(); !ok || v != -10 {
		t.Fatalf("发射功率应透传为 -10, 实际 %d ok=%v", v, ok)
	}
}

func TestTransportStatusReportedWithoutStateChange(t *testing.T) {
	p, _, col := newTestProcessor(t)
	p.Start()

	p.OnPublisherStatusChanged(transport.Success)
	p.OnPublisherStatusChanged(transport.DisabledByUser)
	p.OnScanningStopped(transport.RadioNotAvailable)
	p.OnScanningStopped(transport.ErrorCode(99))

	if len(col.reports) != 3 {
		t.Fatalf("应上报 3 个传输异常, 实际 %d", len(col.reports))
	}
	want := []struct {
		op   Operation
		cond Condition
	}{
		{OpPublishing, ConditionDisabledByUser},
		{OpScanning, ConditionRadioNotAvailable},
		{OpScanning, ConditionUnknown},
	}
	for i, w := range want {
		var te *TransportError
		if !errors.As(col.reports[i], &te) || te.Op != w.op || te.Condition != w.cond {
			t.Fatalf("第 %d 个报告不正确: %v", i, col.reports[i])
		}
	}
	if p.Snapshot().State != Listening {
		t.Fatal("传输异常不应改变会话状态")
	}
}

func TestConditionFromCode(t *testing.T) {
	if _, failed := ConditionFromCode(transport.Success); failed {
		t.Fatal("Success 不应映射为异常")
	}
	codes := map[transport.ErrorCode]Condition{
		transport.ConsentRequired:       ConditionConsentRequired,
		transport.DisabledByPolicy:      ConditionDisabledByPolicy,
		transport.DisabledByUser:        ConditionDisabledByUser,
		transport.RadioNotAvailable:     ConditionRadioNotAvailable,
		transport.DeviceNotConnected:    ConditionDeviceNotConnected,
		transport.ResourceInUse:         ConditionResourceInUse,
		transport.NotSupported:          ConditionNotSupported,
		transport.TransportNotSupported: ConditionTransportNotSupported,
		transport.OtherError:            ConditionOther,
	}
	for code, want := range codes {
		got, failed := ConditionFromCode(code)
		if !failed || got != want {
			t.Fatalf("code %d 应映射为 %s, 实际 %s", code, want, got)
		}
		if got.String() == "unknown" {
			t.Fatalf("%d 应有具体名称", code)
		}
	}
}

func TestReportersFanOut(t *testing.T) {
	var a, b int
	r := Reporters(ReporterFunc(func(error) { a++ }), nil, ReporterFunc(func(error) { b++ }))
	r.Report(errors.New("x"))
	if a != 1 || b != 1 {
		t.Fatalf("每个 reporter 应收到一次: %d %d", a, b)
	}
	NewLogReporter(zerolog.Nop()).Report(&TransportError{Op: OpScanning, Condition: ConditionOther})
}

type sessionLog struct {
	mu     sync.Mutex
	counts map[uuid.UUID][]uint64
	bySrc  map[uuid.UUID]map[uint32][]uint64
}

func (l *sessionLog) listener(s Statistics) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[s.SessionID] = append(l.counts[s.SessionID], s.SightingCount)
	if l.bySrc[s.SessionID] == nil {
		l.bySrc[s.SessionID] = make(map[uint32][]uint64)
	}
	l.bySrc[s.SessionID][s.SourceAddress] = append(l.bySrc[s.SessionID][s.SourceAddress], s.SightingCount)
}

func TestConcurrentDeliveryKeepsCountsGapFree(t *testing.T) {
	log := &sessionLog{
		counts: make(map[uuid.UUID][]uint64),
		bySrc:  make(map[uuid.UUID]map[uint32][]uint64),
	}
	p := NewProcessor(Options{Reporter: &collector{}}, zerolog.Nop())
	p.AddListener(log.listener)
	p.Start()

	const workers, perWorker = 8, 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(src uint32) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				p.HandleAdvertisement(beaconAd(-70, src))
			}
		}(uint32(w + 1))
	}

	done := make(chan struct{})
	var control sync.WaitGroup
	control.Add(2)
	go func() {
		defer control.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			p.Stop()
			p.Start()
		}
	}()
	go func() {
		defer control.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			id := p.AddListener(func(Statistics) {})
			p.RemoveListener(id)
		}
	}()

	wg.Wait()
	close(done)
	control.Wait()

	final := p.Snapshot()
	log.mu.Lock()
	defer log.mu.Unlock()

	for id, counts := range log.counts {
		sorted := append([]uint64(nil), counts...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		for i, c := range sorted {
			if c != uint64(i+1) {
				t.Fatalf("session %s 计数不连续: 位置 %d 为 %d", id, i, c)
			}
		}
		if id == final.ID && uint64(len(sorted)) != final.SightingCount {
			t.Fatalf("最终会话计数 %d 与发布记录数 %d 不一致", final.SightingCount, len(sorted))
		}
		for src, seq := range log.bySrc[id] {
			for i := 1; i < len(seq); i++ {
				if seq[i] <= seq[i-1] {
					t.Fatalf("session %s source %d 计数未严格递增: %v", id, src, seq)
				}
			}
		}
	}
}
