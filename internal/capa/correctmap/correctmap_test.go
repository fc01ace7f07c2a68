package correctmap_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/capa/correctmap"
)

func TestGetNPointsPolicy(t *testing.T) {
	cm := correctmap.New()
	cm.Set("a", correctmap.Record{Correctness: correctmap.Correct})
	cm.Set("b", correctmap.Record{Correctness: correctmap.Incorrect})
	cm.Set("c", correctmap.Record{Correctness: correctmap.Correct, NPoints: correctmap.Points(0)})
	cm.Set("d", correctmap.Record{Correctness: correctmap.PartiallyCorrect})
	cm.Set("e", correctmap.Record{Correctness: correctmap.PartiallyCorrect, NPoints: correctmap.Points(0.5)})
	cm.Set("f", correctmap.Record{Correctness: correctmap.Unsubmitted})

	require.Equal(t, 1.0, cm.GetNPoints("a"))
	require.Equal(t, 0.0, cm.GetNPoints("b"))
	require.Equal(t, 0.0, cm.GetNPoints("c"))
	require.Equal(t, 1.0, cm.GetNPoints("d"))
	require.Equal(t, 0.5, cm.GetNPoints("e"))
	require.Equal(t, 0.0, cm.GetNPoints("f"))
	require.Equal(t, 0.0, cm.GetNPoints("missing"))
}

func TestQueueKeyIdentity(t *testing.T) {
	cm := correctmap.New()
	key := "0123456789abcdef0123456789abcdef"
	cm.Set("q", correctmap.Record{
		Correctness: correctmap.Queued,
		QueueState:  &correctmap.QueueState{Key: key, Time: "2026-01-02T03:04:05Z"},
	})

	other := "fedcba9876543210fedcba9876543210"
	empty := ""
	require.True(t, cm.IsRightQueuekey("q", &key))
	require.False(t, cm.IsRightQueuekey("q", &other))
	require.False(t, cm.IsRightQueuekey("q", &empty))
	require.False(t, cm.IsRightQueuekey("q", nil))
	require.False(t, cm.IsRightQueuekey("unknown", &key))
	require.True(t, cm.IsQueued("q"))
	require.Equal(t, "2026-01-02T03:04:05Z", cm.GetQueuetimeStr("q"))
	require.Equal(t, map[string]string{"q": key}, cm.QueuedInputs())

	queuedAt, ok := cm.RecentmostQueuetime()
	require.True(t, ok)
	require.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), queuedAt)

	cm.ClearQueue("q")
	require.False(t, cm.IsQueued("q"))
	require.False(t, cm.IsRightQueuekey("q", &key))
	require.False(t, cm.IsAnyQueued())
}

func TestUpdateMergesRecordWise(t *testing.T) {
	base := correctmap.New()
	base.Set("a", correctmap.Record{Correctness: correctmap.Incorrect, Msg: "old"})
	base.Set("b", correctmap.Record{Correctness: correctmap.Correct})

	patch := correctmap.New()
	patch.Set("a", correctmap.Record{Correctness: correctmap.Correct, Msg: "new"})
	patch.Set("c", correctmap.Record{Correctness: correctmap.Unsubmitted})
	patch.SetOverallMessage("well done")

	require.NoError(t, base.Update(patch))
	require.Equal(t, []string{"a", "b", "c"}, base.InputIDs())
	require.Equal(t, "new", base.GetMsg("a"))
	require.True(t, base.IsCorrect("b"))
	require.Equal(t, "well done", base.GetOverallMessage())

	require.ErrorIs(t, base.Update(nil), correctmap.ErrNilCorrectMap)
}

func TestSetCopiesPointers(t *testing.T) {
	points := 2.0
	state := &correctmap.QueueState{Key: "k", Time: "t"}
	cm := correctmap.New()
	cm.Set("a", correctmap.Record{Correctness: correctmap.Queued, NPoints: &points, QueueState: state})

	points = 7
	state.Key = "changed"

	require.Equal(t, 2.0, cm.GetNPoints("a"))
	k := "k"
	require.True(t, cm.IsRightQueuekey("a", &k))
}

func TestHintAndOverallMessage(t *testing.T) {
	cm := correctmap.New()
	require.Equal(t, "", cm.GetOverallMessage())

	cm.Set("a", correctmap.Record{Correctness: correctmap.Incorrect})
	cm.SetHintAndMode("a", "try again", correctmap.HintModeOnRequest)
	cm.SetHintAndMode("missing", "ignored", correctmap.HintModeAlways)

	require.Equal(t, "try again", cm.GetHint("a"))
	require.Equal(t, correctmap.HintModeOnRequest, cm.GetHintMode("a"))
	require.False(t, cm.Has("missing"))
}

func TestJSONRoundTripPreservesState(t *testing.T) {
	cm := correctmap.New()
	cm.Set("a", correctmap.Record{Correctness: correctmap.Correct, NPoints: correctmap.Points(3), Msg: "<p>ok</p>"})
	cm.Set("b", correctmap.Record{Correctness: correctmap.Queued, QueueState: &correctmap.QueueState{Key: "k", Time: "t"}})
	cm.SetOverallMessage("overall")

	raw, err := json.Marshal(cm)
	require.NoError(t, err)

	restored := correctmap.New()
	require.NoError(t, json.Unmarshal(raw, restored))
	require.True(t, cm.Equal(restored))
	require.True(t, cm.Clone().Equal(cm))
}
