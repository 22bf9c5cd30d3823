package pass

import (
	"math/rand"
	"testing"
)

func TestApplyExp_EndToEndExample(t *testing.T) {
	t.Parallel()

	ts := []LevelThreshold{{Level: 1, Exp: 50}, {Level: 2, Exp: 100}}
	SortThresholdsDesc(ts)

	var p Progress
	ApplyExp(&p, 5*10, ts)
	if p.Exp != 50 || p.Level != 1 {
		t.Fatalf("progress: got exp=%d level=%d want exp=50 level=1", p.Exp, p.Level)
	}
}

func TestApplyExp_NegativeDeltaLowersLevel(t *testing.T) {
	t.Parallel()

	ts := []LevelThreshold{{Level: 2, Exp: 100}, {Level: 1, Exp: 50}}
	p := Progress{Exp: 120, Level: 2}
	ApplyExp(&p, -80, ts)
	if p.Exp != 40 || p.Level != 0 {
		t.Fatalf("progress: got exp=%d level=%d want exp=40 level=0", p.Exp, p.Level)
	}
}

func TestApplyExp_LevelMatchesHighestReachedThreshold(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		n := 1 + rng.Intn(20)
		ts := make([]LevelThreshold, 0, n)
		var exp int64
		for lvl := 1; lvl <= n; lvl++ {
			exp += int64(1 + rng.Intn(100))
			ts = append(ts, LevelThreshold{Level: lvl, Exp: exp})
		}
		rng.Shuffle(len(ts), func(i, j int) { ts[i], ts[j] = ts[j], ts[i] })
		SortThresholdsDesc(ts)

		var p Progress
		for step := 0; step < 30; step++ {
			ApplyExp(&p, int64(rng.Intn(200)-60), ts)

			want := 0
			for _, th := range ts {
				if th.Exp <= p.Exp && th.Level > want {
					want = th.Level
				}
			}
			if p.Level != want {
				t.Fatalf("round %d step %d: exp=%d level=%d want %d", round, step, p.Exp, p.Level, want)
			}
		}
	}
}

func TestLevelFor_EmptyThresholds(t *testing.T) {
	t.Parallel()

	if got := LevelFor(1_000, nil); got != 0 {
		t.Fatalf("LevelFor: got %d want 0", got)
	}
}

func TestApplyStageClear_HighWaterMark(t *testing.T) {
	t.Parallel()

	p := Progress{Exp: 120, Level: 3}
	if ApplyStageClear(&p, 100) {
		t.Fatalf("expected lower stage to be ignored")
	}
	if ApplyStageClear(&p, 120) {
		t.Fatalf("expected equal stage to be ignored")
	}
	if !ApplyStageClear(&p, 151) {
		t.Fatalf("expected higher stage to apply")
	}
	if p.Exp != 151 || p.Level != 4 {
		t.Fatalf("progress: got exp=%d level=%d want exp=151 level=4", p.Exp, p.Level)
	}
}

func TestWorldOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		stage int64
		want  int
	}{
		{0, 0},
		{1, 1},
		{50, 1},
		{51, 2},
		{300, 6},
	}
	for _, tc := range cases {
		if got := WorldOf(tc.stage); got != tc.want {
			t.Fatalf("WorldOf(%d): got %d want %d", tc.stage, got, tc.want)
		}
	}
}
