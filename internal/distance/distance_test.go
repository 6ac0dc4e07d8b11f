package distance

import (
	"math"
	"testing"
)

func TestReferencePowerIsOneMeter(t *testing.T) {
	if got := EstimateMeters(-69); got != 1.0 {
		t.Fatalf("-69 dBm 应估算为 1.0 米, 实际 %v", got)
	}

	e := Estimator{ReferencePowerDBm: -59}
	if got := e.Meters(-59); got != 1.0 {
		t.Fatalf("参考功率处应为 1.0 米, 实际 %v", got)
	}
}

func TestMetersStrictlyDecreasing(t *testing.T) {
	e := Default()
	prev := math.Inf(1)
	for rssi := -127.0; rssi <= 20; rssi += 0.5 {
		d := e.Meters(rssi)
		if !(d < prev) {
			t.Fatalf("信号越强距离应越短: rssi=%v d=%v prev=%v", rssi, d, prev)
		}
		prev = d
	}
}

func TestMetersUsesDivisor(t *testing.T) {
	got := Default().Meters(-69 - Divisor)
	if math.Abs(got-10) > 1e-9 {
		t.Fatalf("相差 110 dBm 应为 10 米, 实际 %v", got)
	}
}
